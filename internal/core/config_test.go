package core

import "testing"

func TestConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"no additional binds": {
			cfg: Config{ExternalBindAddress: "10.0.0.1"},
		},
		"additional binds with explicit external": {
			cfg: Config{
				ExternalBindAddress:             "10.0.0.1",
				AdditionalExternalBindAddresses: []string{"10.0.0.2"},
			},
		},
		"additional binds without external": {
			cfg: Config{
				AdditionalExternalBindAddresses: []string{"10.0.0.2"},
			},
			wantErr: true,
		},
		"additional binds with wildcard external": {
			cfg: Config{
				ExternalBindAddress:             "0.0.0.0",
				AdditionalExternalBindAddresses: []string{"10.0.0.2"},
			},
			wantErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.wantErr && err == nil {
				t.Fatal("Validate() expected an error, got nil")
			}
			if !test.wantErr && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_ExternalBindAddresses(t *testing.T) {
	cfg := Config{
		ExternalBindAddress:             "10.0.0.1",
		AdditionalExternalBindAddresses: []string{"10.0.0.2", "10.0.0.3"},
	}

	got := cfg.ExternalBindAddresses()
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	if len(got) != len(want) {
		t.Fatalf("ExternalBindAddresses() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ExternalBindAddresses()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestConfig_ListenAddress(t *testing.T) {
	cfg := Config{BindAddress: "0.0.0.0", Port: 8100}
	if got, want := cfg.ListenAddress(), "0.0.0.0:8100"; got != want {
		t.Fatalf("ListenAddress() = %s, want %s", got, want)
	}
}
