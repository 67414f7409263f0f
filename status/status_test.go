package status

import (
	"testing"

	"trailbot/config"
	"trailbot/logging"
)

func TestStartServerDisabled(t *testing.T) {
	for _, addr := range []string{"", "off", "Disabled", "  "} {
		cfg := &config.Config{StatusAddr: addr}
		if srv := StartServer(cfg, nil, nil, logging.Nop{}); srv != nil {
			srv.Close()
			t.Errorf("addr %q: expected a disabled server", addr)
		}
	}
}
