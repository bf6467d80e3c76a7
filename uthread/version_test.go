package uthread

import (
	"fmt"
	"testing"
)

func TestVersionConstants(t *testing.T) {
	want := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if Version != want {
		t.Errorf("Version = %q, components say %q", Version, want)
	}
	if info := GetInfo(); info.Version != Version || info.Scheduler == "" {
		t.Errorf("GetInfo() = %+v", info)
	}
}

func TestCompatibleWith(t *testing.T) {
	tests := []struct {
		want    string
		ok      bool
		wantErr bool
	}{
		{"0.1.0", true, false},
		{"v0.1.0", true, false},
		{"0.1", true, false},
		{"0.0.9", false, false}, // v0 minors are not compatible
		{"0.1.1", false, false}, // newer than us
		{"0.2.0", false, false},
		{"1.0.0", false, false},
		{"not-a-version", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ok, err := CompatibleWith(tt.want)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CompatibleWith(%q) error = %v, wantErr %v", tt.want, err, tt.wantErr)
			}
			if ok != tt.ok {
				t.Errorf("CompatibleWith(%q) = %v, want %v", tt.want, ok, tt.ok)
			}
		})
	}
}
