package platform

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Platform
		wantErr bool
	}{
		{"linux/amd64", Platform{OS: "linux", Architecture: "amd64"}, false},
		{"linux/arm64", Platform{OS: "linux", Architecture: "arm64"}, false},
		{"linux/arm64/v8", Platform{OS: "linux", Architecture: "arm64"}, false},
		{"linux/arm/v7", Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, false},
		{"", Platform{}, true},
		{"linux", Platform{}, true},
		{"/amd64", Platform{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAll(t *testing.T) {
	got, err := ParseAll("linux/amd64, linux/arm64")
	if err != nil {
		t.Fatal(err)
	}
	want := []Platform{{OS: "linux", Architecture: "amd64"}, {OS: "linux", Architecture: "arm64"}}
	if len(got) != len(want) {
		t.Fatalf("got %d platforms, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("platform %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseAllEmpty(t *testing.T) {
	got, err := ParseAll("")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestString(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "arm", Variant: "v7"}
	if got, want := p.String(), "linux/arm/v7"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	p2 := Platform{OS: "linux", Architecture: "amd64"}
	if got, want := p2.String(), "linux/amd64"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestIsUnknown(t *testing.T) {
	if !(Platform{OS: "unknown", Architecture: "unknown"}).IsUnknown() {
		t.Error("expected unknown/unknown to be IsUnknown")
	}
	if !(Platform{OS: "", Architecture: ""}).IsUnknown() {
		t.Error("expected empty os/arch to be IsUnknown")
	}
	if !(Platform{OS: "linux", Architecture: ""}).IsUnknown() {
		t.Error("expected empty arch to be IsUnknown")
	}
	if (Platform{OS: "linux", Architecture: "amd64"}).IsUnknown() {
		t.Error("did not expect linux/amd64 to be IsUnknown")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		p    Platform
		want Platform
		ok   bool
	}{
		{"exact match", Platform{OS: "linux", Architecture: "amd64"}, Platform{OS: "linux", Architecture: "amd64"}, true},
		{"arm64 v8 variant matches normalized arm64", Platform{OS: "linux", Architecture: "arm64"}, Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, true},
		{"both sides carry v8", Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, true},
		{"different os", Platform{OS: "linux", Architecture: "amd64"}, Platform{OS: "darwin", Architecture: "amd64"}, false},
		{"different arch", Platform{OS: "linux", Architecture: "amd64"}, Platform{OS: "linux", Architecture: "arm64"}, false},
		{"distinct arm variants do not collapse", Platform{OS: "linux", Architecture: "arm", Variant: "v6"}, Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Matches(tt.want); got != tt.ok {
				t.Errorf("%+v.Matches(%+v) = %v, want %v", tt.p, tt.want, got, tt.ok)
			}
		})
	}
}
