package relay

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestNormalize(t *testing.T) {
	t.Parallel()
	d := Defaults{Voice: "Samantha", Rate: 220}

	cases := []struct {
		name    string
		in      Input
		wantErr string // field, "" for success
		want    Request
	}{
		{
			name: "defaults applied",
			in:   Input{Text: "  Hello  ", Agent: " Main "},
			want: Request{Text: "Hello", Voice: "Samantha", Rate: 220, Agent: "Main", Source: SourceRequest},
		},
		{
			name: "explicit voice and rate",
			in:   Input{Text: "hi", Voice: "Karen", Rate: intPtr(175)},
			want: Request{Text: "hi", Voice: "Karen", Rate: 175, Source: SourceRequest},
		},
		{name: "empty text", in: Input{Text: ""}, wantErr: "text"},
		{name: "blank text", in: Input{Text: " \n\t "}, wantErr: "text"},
		{name: "zero rate", in: Input{Text: "x", Rate: intPtr(0)}, wantErr: "rate"},
		{name: "huge rate", in: Input{Text: "x", Rate: intPtr(MaxRate + 1)}, wantErr: "rate"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tc.in, SourceRequest, d)
			if tc.wantErr != "" {
				var ve *ValidationError
				if !errors.As(err, &ve) || ve.Field != tc.wantErr {
					t.Fatalf("expected validation error on %q, got %v", tc.wantErr, err)
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNormalizeRejectsUnknownSource(t *testing.T) {
	if _, err := Normalize(Input{Text: "x"}, Source("carrier-pigeon"), Defaults{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"full", `{"text":"Hello","voice":"Samantha","rate":200,"agent":"Main"}`, true},
		{"extra fields ignored", `{"text":"Hello","priority":"high"}`, true},
		{"empty", ``, false},
		{"not json", `say hello`, false},
		{"wrong type", `{"text":42}`, false},
		{"array", `["Hello"]`, false},
		{"rate as string", `{"text":"x","rate":"fast"}`, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeInput([]byte(tc.payload))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
