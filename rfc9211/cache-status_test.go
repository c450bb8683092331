package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		name string
		cs   func() CacheStatus
		want string
	}{
		{"hit", func() CacheStatus {
			cs := CacheStatus{Name: "mitm-cache"}
			cs.Hit()
			return cs
		}, "mitm-cache; hit"},
		{"miss stored", func() CacheStatus {
			cs := CacheStatus{Name: "mitm-cache"}
			cs.Forward(FwdReasonUriMiss)
			cs.Stored = true
			return cs
		}, "mitm-cache; fwd=uri-miss; stored"},
		{"forward without reason", func() CacheStatus {
			cs := CacheStatus{Name: "c"}
			cs.Forward("")
			return cs
		}, "c; fwd=miss"},
		{"detail", func() CacheStatus {
			cs := CacheStatus{Name: "c", Detail: "storage-error"}
			cs.Forward(FwdReasonUriMiss)
			return cs
		}, `c; fwd=uri-miss; detail="storage-error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cs().String(); got != tt.want {
				t.Fatalf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}
