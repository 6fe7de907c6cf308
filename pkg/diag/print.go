package diag

import (
	"fmt"
	"io"
	"time"

	"github.com/panelprobe/panelprobe/pkg/cli"
)

const labelWidth = 28

// PrintReport writes the human-readable report. Check output lines are
// printed verbatim; only headers and verdicts are styled.
func PrintReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "%s %s\n", cli.Bold("Panel diagnostics for"), cli.Bold(r.Host))
	fmt.Fprintf(w, "%s\n", cli.Dim(fmt.Sprintf("run %s at %s", r.RunID, r.Timestamp.Format(time.RFC3339))))

	for i, res := range r.Results {
		fmt.Fprintf(w, "\n%s\n", cli.Bold(fmt.Sprintf("[%d] %s", i+1, res.Label)))
		for _, line := range res.Lines {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}

	s := r.Summary
	fmt.Fprintf(w, "\n%s\n", cli.Bold(fmt.Sprintf("[%d] Summary", len(r.Results)+1)))
	fmt.Fprintf(w, "    %s %s\n", cli.DotPad("connector status", labelWidth), connectorText(s.ConnectorStatus))
	fmt.Fprintf(w, "    %s %s\n", cli.DotPad("panel driver loaded", labelWidth), cli.YesNo(s.DriverLoaded))
	fmt.Fprintf(w, "    %s %s\n", cli.DotPad("init sequence observed", labelWidth), cli.YesNo(s.InitObserved))
	if len(s.Guidance) > 0 {
		fmt.Fprintf(w, "\n    %s\n", cli.Yellow("Guidance:"))
		for _, g := range s.Guidance {
			fmt.Fprintf(w, "    - %s\n", g)
		}
	}

	fmt.Fprintf(w, "\n%s\n", cli.Dim(fmt.Sprintf("completed in %s", r.Duration.Round(time.Millisecond))))
}

func connectorText(status string) string {
	switch status {
	case "connected":
		return cli.Green(status)
	case ConnectorUnknown:
		return cli.Yellow(status)
	default:
		return cli.Red(status)
	}
}
