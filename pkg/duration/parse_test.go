package duration

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "1d", want: Day},
		{input: "2w", want: 2 * Week},
		{input: "3M", want: 3 * Month},
		{input: "1y", want: Year},
		{input: "30d", want: 30 * Day},
		{input: "1y6M", want: Year + 6*Month},
		{input: "2w3d", want: 2*Week + 3*Day},
		{input: "1d12h", want: Day + 12*time.Hour},
		{input: "1y30m", want: Year + 30*time.Minute},
		{input: "24h", want: 24 * time.Hour},
		{input: "1h30m", want: time.Hour + 30*time.Minute},
		{input: "500ms", want: 500 * time.Millisecond},
		{input: "0", want: 0},
		{input: "0d", want: 0},
		{input: "  1d  ", want: Day},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
		{input: "1x", wantErr: true},
		{input: "d", wantErr: true},
		{input: "-1d", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
