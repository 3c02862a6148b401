package realtime

import (
	"net/http/httptest"
	"testing"
)

func TestConfig_OriginDefaults(t *testing.T) {
	t.Parallel()

	bare := httptest.NewRequest("GET", "/ws", nil)

	zero := Config{}.normalized()
	if zero.OriginRequired {
		t.Fatalf("zero value should not require an origin")
	}
	if err := newOriginPolicy(zero.OriginRequired, zero.AllowedOrigins).check(bare); err != nil {
		t.Fatalf("zero value rejected a request without origin: %v", err)
	}

	def := DefaultConfig()
	if !def.OriginRequired {
		t.Fatalf("DefaultConfig should require an origin")
	}
	if err := newOriginPolicy(def.OriginRequired, def.AllowedOrigins).check(bare); err == nil {
		t.Fatalf("DefaultConfig accepted a request without origin")
	}
	if def.HeartbeatInterval != heartbeatInterval || def.SendQueueSize != defaultSendQueueSize {
		t.Fatalf("DefaultConfig did not normalize: %+v", def)
	}
}
