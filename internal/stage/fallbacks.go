package stage

const (
	cannedOpening = "Welcome, everyone! Tonight's scene starts with a suggestion from our player. Whenever you're ready!"
	cannedCoach   = "Your coach could not review this scene right now. Look back over the transcript and note " +
		"where you accepted an offer and where you could have heightened it."
)

var cannedApologies = []string{
	"Sorry, I lost my line there. Yes, and... keep going, I'm with you!",
	"Hold that thought, I blanked for a second. What happens next?",
	"Ah, the words escaped me. You lead this moment, I'll follow.",
}

func cannedApology(turn int) string {
	return cannedApologies[turn%len(cannedApologies)]
}
