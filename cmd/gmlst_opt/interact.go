package main

import (
	"flag"

	"github.com/charmbracelet/huh"
	"github.com/gomlx/gmlst/pkg/passes"
	"github.com/gomlx/gmlst/pkg/pipeline"
	"github.com/pkg/errors"
)

// ErrUserAborted is returned by Interact if the user quits the form.
var ErrUserAborted = errors.New("aborted by the user")

// Question asks for the value of a flag.
type Question struct {
	Title string
	Flag  *flag.Flag

	// Values suggested to the user. If CustomValues is false the user must pick one of them.
	Values       []string
	CustomValues bool

	// ValidateFn, if set, is called with the value entered.
	ValidateFn func(value string) error
}

// Interact asks the questions in a form, and sets the flags with the answers.
func Interact(title string, questions []Question) error {
	answers := make([]string, len(questions))
	fields := make([]huh.Field, len(questions))
	for i, q := range questions {
		answers[i] = q.Flag.Value.String()
		validate := func(value string) error {
			if q.ValidateFn == nil {
				return nil
			}
			return q.ValidateFn(value)
		}
		if !q.CustomValues {
			fields[i] = huh.NewSelect[string]().
				Title(q.Title).
				Description(q.Flag.Usage).
				Options(huh.NewOptions(q.Values...)...).
				Validate(validate).
				Value(&answers[i])
			continue
		}
		fields[i] = huh.NewInput().
			Title(q.Title).
			Description(q.Flag.Usage).
			Suggestions(q.Values).
			Validate(validate).
			Value(&answers[i])
	}
	form := huh.NewForm(huh.NewGroup(fields...).Title(title))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrUserAborted
		}
		return errors.Wrap(err, "interactive form failed")
	}
	for i, q := range questions {
		if err := q.Flag.Value.Set(answers[i]); err != nil {
			return errors.Wrapf(err, "invalid value %q for -%s", answers[i], q.Flag.Name)
		}
	}
	return nil
}

// ValidateTileSizes checks value is a comma separated list of non-negative integers.
func ValidateTileSizes(value string) error {
	sizes, err := passes.Options{pipeline.TileSizesOption: value}.Ints(pipeline.TileSizesOption)
	if err != nil {
		return err
	}
	for _, size := range sizes {
		if size < 0 {
			return errors.Errorf("tile size %d is negative", size)
		}
	}
	return nil
}
