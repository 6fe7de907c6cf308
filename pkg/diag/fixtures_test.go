package diag

import (
	"testing"

	"github.com/panelprobe/panelprobe/internal/testutil"
	"github.com/panelprobe/panelprobe/pkg/config"
)

const (
	dtRoot     = "/proc/device-tree"
	release    = "6.6.31+rpt-rpi-v8"
	moduleRoot = "/lib/modules/" + release
	koPath     = moduleRoot + "/kernel/drivers/gpu/drm/panel/panel-ilitek-ili9881c.ko.xz"
)

const healthyLog = `[    5.100000] vc4-drm gpu: bound 3f400000.hvs (ops vc4_hvs_ops [vc4])
[    5.200000] panel-ilitek-ili9881c 3f700000.dsi.0: exit_sleep sent
[    5.300000] panel-ilitek-ili9881c 3f700000.dsi.0: set_pixel_format 0x77
[    5.310000] panel-ilitek-ili9881c 3f700000.dsi.0: display_on sent
[    5.320000] panel-ilitek-ili9881c 3f700000.dsi.0: init success
[    5.330000] vc4_dsi 3f700000.dsi: bridge pre_enable
[    6.000000] usb 1-1: new high-speed USB device number 2
`

// silentLog has display activity but no panel init.
const silentLog = `[    5.100000] vc4-drm gpu: bound 3f400000.hvs (ops vc4_hvs_ops [vc4])
[    6.000000] usb 1-1: new high-speed USB device number 2
`

// healthyHost is a Raspberry Pi with a working DSI panel.
func healthyHost() *testutil.FakeHost {
	h := testutil.NewFakeHost()
	h.AddText("/proc/modules",
		"panel_ilitek_ili9881c 16384 0 - Live 0x0000000000000000\n"+
			"vc4 303104 5 - Live 0x0000000000000000\n"+
			"snd_soc_core 229376 1 vc4, Live 0x0000000000000000\n")
	h.SetCommand("dmesg", healthyLog, nil)

	h.AddText("/sys/class/drm/card1-DSI-1/status", "connected\n")
	h.AddText("/sys/class/drm/card1-HDMI-A-1/status", "disconnected\n")

	h.AddFile(dtRoot+"/soc/gpio@7e200000/phandle", testutil.Cells(5))
	h.AddText(dtRoot+"/soc/dsi@7e700000/compatible", "brcm,bcm2835-dsi1\x00")
	panel := dtRoot + "/soc/dsi@7e700000/panel@0"
	h.AddText(panel+"/compatible", "ilitek,ili9881c\x00")
	h.AddText(panel+"/name", "panel\x00")
	h.AddText(panel+"/status", "okay\x00")
	h.AddFile(panel+"/reg", testutil.Cells(0))
	h.AddFile(panel+"/enable-gpios", testutil.Cells(5, 17, 0))

	h.AddTool("pinctrl", "find")
	h.SetCommand("pinctrl get 17", "17: op dh | hi // GPIO17 = output\n", nil)
	h.SetCommand("pinctrl get 27", "27: op dl | lo // GPIO27 = output\n", nil)

	h.SetCommand("uname -r", release+"\n", nil)
	h.AddFile(koPath, make([]byte, 12288))
	h.SetCommand(moduleFindCommand(moduleRoot, "panel-ilitek-ili9881c"), koPath+"\n", nil)
	return h
}

func newChecker(t *testing.T) *Checker {
	t.Helper()
	c, err := NewChecker(config.Default())
	if err != nil {
		t.Fatalf("NewChecker() error = %v", err)
	}
	return c
}

func newEnv(t *testing.T, h *testutil.FakeHost) *Env {
	t.Helper()
	return newChecker(t).env(h)
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}
