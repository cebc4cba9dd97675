package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("epoch %d", 3)
	if got != "epoch 3" {
		t.Errorf("Expected captured message, got %q", got)
	}

	SetLogger(nil)
	got = ""
	Logf("muted")
	if got != "" {
		t.Errorf("Expected muted logger, got %q", got)
	}
}
