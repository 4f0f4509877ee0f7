package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// StepSpinner narrates the boot sequence one step at a time: an animated
// braille spinner on a terminal, plain indented lines when output is piped.
// Steps are strictly sequential; every Start must be settled by Done or Fail
// before the next one begins.
type StepSpinner struct {
	w     io.Writer
	spin  *spinner.Spinner
	label string
	plain bool
}

// NewStepSpinner writes step output to w. plain switches the animation off
// so logs and CI pipes stay free of control characters.
func NewStepSpinner(w io.Writer, plain bool) *StepSpinner {
	return &StepSpinner{w: w, plain: plain}
}

// Start opens a step. Its label stays on screen until Done or Fail settles it.
func (ss *StepSpinner) Start(label string) {
	ss.label = label
	if ss.plain {
		fmt.Fprintf(ss.w, "  %s", label)
		return
	}
	ss.spin = spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(ss.w))
	ss.spin.Prefix = "  "
	ss.spin.Suffix = " " + label
	ss.spin.Start()
}

// Done settles the current step with a green check.
func (ss *StepSpinner) Done() { ss.settle(StyleSuccess.Render(SymbolCheck)) }

// Fail settles the current step with a red cross.
func (ss *StepSpinner) Fail() { ss.settle(StyleError.Render(SymbolCross)) }

func (ss *StepSpinner) settle(mark string) {
	if ss.plain {
		fmt.Fprintf(ss.w, " %s\n", mark)
		return
	}
	if ss.spin != nil {
		ss.spin.Stop()
		ss.spin = nil
	}
	fmt.Fprintf(ss.w, "\r  %s %s\n", ss.label, mark)
}
