package measure

import (
	"fmt"
	"time"
)

// Origin is the recruiting site of a patient, taken from the first letter of
// the patient id.
type Origin string

var origins = map[byte]Origin{
	'U': "UMCG",
	'F': "Forte GGZ",
	'L': "Lentis",
	'A': "Argo GGZ",
	'M': "Mediant GGZ",
	'H': "Huisartsenpraktijk",
}

// OriginOf returns the site for a patient id such as F001.
func OriginOf(patientID string) (Origin, error) {
	if patientID == "" {
		return "", fmt.Errorf("empty patient id")
	}
	o, ok := origins[patientID[0]]
	if !ok {
		return "", fmt.Errorf("unknown origin for patient %q", patientID)
	}
	return o, nil
}

// ArmOf maps the participants file group number to an arm; 1 is VR and 2 is
// Exercise.
func ArmOf(group string) (Arm, error) {
	switch group {
	case "1":
		return ArmVR, nil
	case "2":
		return ArmExercise, nil
	}
	return "", fmt.Errorf("unknown group %q", group)
}

// Patient is one study participant.
type Patient struct {
	ID      string
	UserKey string
	Origin  Origin
	Arm     Arm
	Age     int // 0 when unknown
	Sex     string
	// Groups flags membership of research groups GR1..GR3.
	Groups [3]bool
}

// Group is a measurement group: the sessions of one patient and week whose
// start times fall within the same minute.
type Group struct {
	ID        int64
	PatientID string
	Week      Week
	Start     time.Time
}

// RelaxSession is one logged relaxation exercise with its before and after
// questionnaire scores. Scores are nil when not answered.
type RelaxSession struct {
	ID        int64
	PatientID string
	Start     time.Time
	End       time.Time
	StartQ1   *int
	EndQ1     *int
	StartQ2   *int
	EndQ2     *int
	Modifier  string
}

// Duration returns End-Start.
func (r RelaxSession) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
