package cache

import "testing"

func TestListKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  ListKey
		want string
	}{
		{
			name: "popular",
			key:  ListKey{Page: 1},
			want: "movies::1",
		},
		{
			name: "search",
			key:  ListKey{Query: "batman", Page: 3},
			want: "movies:batman:3",
		},
		{
			name: "query with spaces",
			key:  ListKey{Query: "the dark knight", Page: 2},
			want: "movies:the dark knight:2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListKey_Deterministic(t *testing.T) {
	a := ListKey{Query: "alien", Page: 2}
	b := ListKey{Query: "alien", Page: 2}
	if a.String() != b.String() {
		t.Errorf("keys not deterministic: %s != %s", a.String(), b.String())
	}
	if a.String() == (ListKey{Query: "alien", Page: 3}).String() {
		t.Error("different pages should produce different keys")
	}
}

func TestDetailKey(t *testing.T) {
	if got := DetailKey(550); got != "movie:550" {
		t.Errorf("DetailKey(550) = %v, want movie:550", got)
	}
}

func TestParseDetailKey(t *testing.T) {
	tests := []struct {
		key    string
		wantID int
		wantOK bool
	}{
		{"movie:550", 550, true},
		{"movie:0", 0, false},
		{"movie:abc", 0, false},
		{"movies::1", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, ok := ParseDetailKey(tt.key)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("ParseDetailKey(%q) = (%v, %v), want (%v, %v)", tt.key, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
