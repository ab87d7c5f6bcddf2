package clinic

import (
	"fmt"

	"github.com/manifoldco/promptui"
)

// CollectInteractive asks for each profile field. Every question is
// optional; pressing Enter keeps the current value.
func CollectInteractive(current *Profile) (*Profile, error) {
	fmt.Println("Describe your practice so insights are framed for it.")
	fmt.Println("Press Enter to skip any question.")
	fmt.Println()

	p := &Profile{}
	if current != nil {
		*p = *current
	}
	questions := []struct {
		label string
		field *string
	}{
		{"Care setting (e.g. outpatient sports clinic)", &p.Setting},
		{"Typical patients (e.g. post-ACL reconstruction, 18-35)", &p.Population},
		{"Rehabilitation protocol followed", &p.Protocol},
		{"Who reads the reports", &p.Audience},
		{"Anything else", &p.Notes},
	}
	for _, q := range questions {
		v, err := askOptional(q.label, *q.field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.label, err)
		}
		*q.field = v
	}
	return p, nil
}

func askOptional(label, def string) (string, error) {
	pr := promptui.Prompt{
		Label:     label,
		Default:   def,
		AllowEdit: true,
	}
	return pr.Run()
}
