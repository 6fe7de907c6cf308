package diag

import "fmt"

// ConnectorUnknown is the connector status when no DSI connector reports one.
const ConnectorUnknown = "unknown"

// Summarize derives the summary verdicts from the check results and adds
// operator guidance for the degraded combinations.
func Summarize(results []Result, driver string) Summary {
	s := Summary{ConnectorStatus: ConnectorUnknown}
	for _, r := range results {
		switch r.Check {
		case "modules":
			s.DriverLoaded = r.Passed()
		case "kernel-log":
			s.InitObserved = r.Passed()
		case "connectors":
			if r.Value != "" {
				s.ConnectorStatus = r.Value
			}
		}
	}

	switch {
	case s.DriverLoaded && !s.InitObserved:
		s.Guidance = append(s.Guidance,
			fmt.Sprintf("%s is loaded but its init sequence was not logged; check the DSI cabling and the panel reset and enable GPIOs", driver),
			"look for DSI transfer errors above and confirm the panel node is enabled (status = \"okay\")")
	case !s.DriverLoaded && s.InitObserved:
		s.Guidance = append(s.Guidance,
			fmt.Sprintf("an init sequence was logged but %s is not loaded now; it may have been unloaded or probed under another name", driver),
			"compare the loaded module list with the installed module files")
	case !s.DriverLoaded && !s.InitObserved:
		s.Guidance = append(s.Guidance,
			fmt.Sprintf("%s is not loaded and no init sequence was logged", driver),
			"check that the module file is installed for the running kernel and that the device tree overlay adds the panel node")
	}
	if s.DriverLoaded && s.InitObserved && s.ConnectorStatus != "connected" && s.ConnectorStatus != ConnectorUnknown {
		s.Guidance = append(s.Guidance,
			fmt.Sprintf("the panel initialised but the DSI connector reports %q; check the display pipeline configuration", s.ConnectorStatus))
	}
	return s
}
