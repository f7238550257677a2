package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "AppTitle"); got != "Gram Portal" {
		t.Errorf("T(AppTitle) = %q, want 'Gram Portal'", got)
	}
	if got := T(ctx, "AttemptExists"); got != "You have already taken this exam." {
		t.Errorf("T(AttemptExists) = %q", got)
	}
}

func TestTranslateHindi(t *testing.T) {
	ctx := initLang(t, "hi")

	if got := T(ctx, "AppTitle"); got != "ग्राम पोर्टल" {
		t.Errorf("T(AppTitle) = %q, want 'ग्राम पोर्टल'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ImportedQuestions", map[string]any{"Count": 12})
	if got != "Imported 12 questions." {
		t.Errorf("Td(ImportedQuestions) = %q, want 'Imported 12 questions.'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestLocaleFilesHaveSameKeys(t *testing.T) {
	initLang(t, "en")
	en := WithLocalizer(context.Background(), NewLocalizer("en"))
	hi := WithLocalizer(context.Background(), NewLocalizer("hi"))
	for _, id := range []string{"Unauthorized", "NotFound", "ExamsDisabled", "TimeOver", "CameraUnavailable"} {
		if T(en, id) == id || T(hi, id) == id {
			t.Errorf("%s missing from a locale", id)
		}
		if T(en, id) == T(hi, id) {
			t.Errorf("%s is not translated", id)
		}
	}
}

func TestMiddleware(t *testing.T) {
	initLang(t, "en")

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"no header", "", "Gram Portal"},
		{"hindi", "hi-IN,hi;q=0.9,en;q=0.8", "ग्राम पोर्टल"},
		{"english", "en-GB", "Gram Portal"},
		{"unsupported falls back", "fr-FR", "Gram Portal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = T(r.Context(), "AppTitle")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
