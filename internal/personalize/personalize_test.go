package personalize

import (
	"reflect"
	"testing"

	"github.com/foxzi/campaignd/internal/models"
)

func TestRender(t *testing.T) {
	full := models.Contact{
		Name:              "Amal",
		Email:             "amal@example.com",
		Phone:             "+971501234567",
		CertificateNumber: "CERT-001",
		ReraAwardeeNo:     "RERA-77",
		Professional:      "Broker",
	}

	tests := []struct {
		name     string
		template string
		contact  models.Contact
		want     string
	}{
		{"simple", "Hi {{name}}", full, "Hi Amal"},
		{"missing name", "Hi {{name}}", models.Contact{Email: "x@example.com"}, "Hi Valued Customer"},
		{"blank name", "Hi {{name}}", models.Contact{Name: "  "}, "Hi Valued Customer"},
		{"case insensitive", "Hi {{NAME}}, cert {{Certificate}}", full, "Hi Amal, cert CERT-001"},
		{"inner spaces", "{{ rera }}", full, "RERA-77"},
		{"all tokens", "{{name}}|{{certificate}}|{{rera}}|{{professional}}|{{email}}|{{phone}}", full,
			"Amal|CERT-001|RERA-77|Broker|amal@example.com|+971501234567"},
		{"unknown kept", "Hello {{company}} {{name}}", full, "Hello {{company}} Amal"},
		{"missing field empty", "Cert: {{certificate}}", models.Contact{Name: "A"}, "Cert: "},
		{"no tokens", "Plain text", full, "Plain text"},
		{"empty", "", full, ""},
		{"unclosed", "Hi {{name", full, "Hi {{name"},
		{"repeated", "{{name}} {{name}}", full, "Amal Amal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.template, tt.contact)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderDeterministic(t *testing.T) {
	c := models.Contact{Name: "Amal"}
	tmpl := "Dear {{name}}, your {{certificate}} is ready {{unknown}}"
	first := Render(tmpl, c)
	for i := 0; i < 10; i++ {
		if got := Render(tmpl, c); got != first {
			t.Fatalf("Render() not deterministic: %q vs %q", got, first)
		}
	}
}

func TestUnknown(t *testing.T) {
	got := Unknown("Hi {{name}} from {{Company}} at {{ city }}")
	want := []string{"{{Company}}", "{{ city }}"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unknown() = %v, want %v", got, want)
	}
	if got := Unknown("Hi {{name}}"); len(got) != 0 {
		t.Errorf("Unknown() = %v, want empty", got)
	}
}
