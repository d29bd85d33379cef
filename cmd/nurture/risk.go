package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/nurture/internal/risk"
)

func riskCMD() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "risk [text]",
		Short: "Classify text with the deterministic guardrail",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			a := risk.Analyze(text)
			return printJSON(struct {
				risk.Analysis
				ForbiddenTopic       bool   `json:"forbidden_topic"`
				InterventionResponse string `json:"intervention_response,omitempty"`
			}{a, risk.ContainsForbiddenTopic(text), risk.InterventionResponse(a, name)})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name used in the intervention text")
	return cmd
}
