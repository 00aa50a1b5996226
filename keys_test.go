package meshnode

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const testKeyHex = "4696cead19afc4c876677e18bfcf6522"

func TestParseKey(t *testing.T) {
	k, err := ParseKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if k.String() != testKeyHex {
		t.Fatalf("String() = %q, want %q", k.String(), testKeyHex)
	}

	for _, bad := range []string{"", "zz", testKeyHex[:30], testKeyHex + "00"} {
		if _, err := ParseKey(bad); err == nil {
			t.Fatalf("ParseKey(%q) error = nil", bad)
		}
	}
}

func TestKeyYAML(t *testing.T) {
	var doc struct {
		Key Key `yaml:"key"`
	}
	if err := yaml.Unmarshal([]byte("key: "+testKeyHex+"\n"), &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), testKeyHex) {
		t.Fatalf("Marshal() = %q, want key in hex", out)
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	b, _ := GenerateKey()
	if a.IsZero() || a == b {
		t.Fatalf("GenerateKey() returned %s and %s", a, b)
	}
}

func TestKeysValidate(t *testing.T) {
	key, _ := ParseKey(testKeyHex)
	valid := Keys{
		Net: NetKey{Index: 0, Key: key},
		App: AppKey{NetIndex: 0, Index: 1, Key: key},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := map[string]func(k *Keys){
		"net index range":   func(k *Keys) { k.Net.Index = 0x1000 },
		"app index range":   func(k *Keys) { k.App.Index = 0x1000 },
		"foreign net index": func(k *Keys) { k.App.NetIndex = 2 },
		"zero app key":      func(k *Keys) { k.App.Key = Key{} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			k := valid
			mutate(&k)
			if err := k.Validate(); err == nil {
				t.Fatal("Validate() error = nil")
			}
		})
	}
}
