package engine

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DetectConfig
		want    string
		wantErr bool
	}{
		{"explicit ollama", DetectConfig{Backend: "ollama", CloudAPIKey: "k"}, "ollama", false},
		{"explicit cloud", DetectConfig{Backend: "cloud", CloudAPIKey: "k"}, "cloud", false},
		{"cloud without key", DetectConfig{Backend: "cloud"}, "", true},
		{"auto with key", DetectConfig{Backend: "auto", CloudAPIKey: "k"}, "cloud", false},
		{"auto without key", DetectConfig{}, "ollama", false},
		{"unknown", DetectConfig{Backend: "mlx"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Detect(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Detect: expected error, got backend %T", b)
				}
				return
			}
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if b.Name() != tt.want {
				t.Errorf("Detect returned %q, want %q", b.Name(), tt.want)
			}
		})
	}
}
