package strategy

import (
	"reflect"
	"testing"

	"unsubscribe-engine/internal/models"
)

func strPtr(s string) *string { return &s }

func TestSelectMethodsFiltersByEndpoints(t *testing.T) {
	settings := models.DefaultSettings()
	settings.StrategyOrder = []string{
		models.MethodOneClick,
		models.MethodMailto,
		models.MethodBrowser,
		models.MethodManual,
	}

	tests := []struct {
		name string
		item models.JobItem
		want []string
	}{
		{
			name: "url and mailto",
			item: models.JobItem{
				UnsubscribeURL:    strPtr("https://news.example.com/unsub?u=1"),
				UnsubscribeMailto: strPtr("mailto:unsub@example.com"),
			},
			want: []string{
				models.MethodOneClick,
				models.MethodMailto,
				models.MethodBrowser,
				models.MethodManual,
			},
		},
		{
			name: "url only",
			item: models.JobItem{
				UnsubscribeURL: strPtr("https://news.example.com/unsub?u=1"),
			},
			want: []string{
				models.MethodOneClick,
				models.MethodBrowser,
				models.MethodManual,
			},
		},
		{
			name: "mailto only",
			item: models.JobItem{
				UnsubscribeMailto: strPtr("mailto:unsub@example.com"),
			},
			want: []string{models.MethodMailto, models.MethodManual},
		},
		{
			name: "no endpoints",
			item: models.JobItem{},
			want: []string{models.MethodManual},
		},
		{
			name: "empty strings count as absent",
			item: models.JobItem{
				UnsubscribeURL:    strPtr(""),
				UnsubscribeMailto: strPtr(""),
			},
			want: []string{models.MethodManual},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectMethods(tc.item, settings)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("SelectMethods() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSelectMethodsHonorsConfiguredOrder(t *testing.T) {
	settings := models.DefaultSettings()
	settings.StrategyOrder = []string{models.MethodMailto, models.MethodOneClick}

	item := models.JobItem{
		UnsubscribeURL:    strPtr("https://news.example.com/unsub"),
		UnsubscribeMailto: strPtr("mailto:unsub@example.com"),
	}

	got := SelectMethods(item, settings)
	want := []string{models.MethodMailto, models.MethodOneClick}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SelectMethods() = %v, want %v", got, want)
	}
}

func TestSelectMethodsDeterministic(t *testing.T) {
	settings := models.DefaultSettings()
	item := models.JobItem{
		UnsubscribeURL:    strPtr("https://news.example.com/unsub"),
		UnsubscribeMailto: strPtr("mailto:unsub@example.com"),
	}

	first := SelectMethods(item, settings)
	for i := 0; i < 10; i++ {
		if got := SelectMethods(item, settings); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: SelectMethods() = %v, want %v", i, got, first)
		}
	}
}

func TestSelectMethodsDropsUnknownNames(t *testing.T) {
	settings := models.DefaultSettings()
	settings.StrategyOrder = []string{"carrier_pigeon", models.MethodManual}

	got := SelectMethods(models.JobItem{}, settings)
	want := []string{models.MethodManual}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SelectMethods() = %v, want %v", got, want)
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		method string
		want   Class
	}{
		{models.MethodOneClick, ClassHTTP},
		{models.MethodMailto, ClassHTTP},
		{models.MethodManual, ClassHTTP},
		{models.MethodBrowser, ClassBrowser},
	}
	for _, tc := range tests {
		if got := ClassOf(tc.method); got != tc.want {
			t.Fatalf("ClassOf(%q) = %q, want %q", tc.method, got, tc.want)
		}
	}
}
