package docker

import (
	"context"
	"testing"

	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
)

func TestSpawn_RequiresImage(t *testing.T) {
	r := &Runtime{network: runtime.DefaultNetwork}

	_, err := r.Spawn(context.Background(), runtime.Spec{ID: "a", Command: "true"})
	if err == nil {
		t.Fatal("expected an error when spec.Image is empty")
	}
}
