package otel

import "testing"

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "http://collector:4318", want: "http://collector:4318"},
		{in: "http://collector:4318/v1/traces", want: "http://collector:4318/v1/metrics"},
		{in: "https://otel.example/prefix/v1/traces", want: "https://otel.example/prefix/v1/metrics"},
		{in: "http://collector:4318/custom", want: "http://collector:4318/custom"},
	}
	for _, tt := range tests {
		if got := metricsEndpoint(tt.in); got != tt.want {
			t.Fatalf("metricsEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
