package main

import (
	"fmt"

	"github.com/arclance/conductor/pkg/config"
)

// RosterCmd groups roster-file inspection commands.
type RosterCmd struct {
	Validate RosterValidateCmd `cmd:"" help:"Validate a roster file's invariants without running it."`
}

// RosterValidateCmd checks a roster file's structural invariants (§3):
// unique non-empty roles, known dependencies, no self-dependency, acyclic
// graph. Worker kinds are not checked against a configured set.
type RosterValidateCmd struct {
	Roster string `arg:"" help:"Path to the roster file." default:"roster.yaml"`
}

func (c *RosterValidateCmd) Run(cli *CLI) error {
	ros, err := config.LoadRoster(c.Roster)
	if err != nil {
		return fmt.Errorf("roster validate: %w", err)
	}

	fmt.Printf("roster %q is valid: %d role(s)\n", c.Roster, len(ros.Entries()))
	fmt.Println("topological order:")
	for i, role := range ros.TopologicalOrder() {
		fmt.Printf("  %d. %s\n", i+1, role)
	}
	return nil
}
