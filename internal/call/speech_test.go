package call

import "testing"

func TestSanitizeSpeech(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops emoji and markdown markers",
			in:   "Sure 😊 **let's** do this / now.",
			want: "Sure let's do this now.",
		},
		{
			name: "keeps markdown link label and removes url",
			in:   "Read [the return policy](https://example.com/returns) first.",
			want: "Read the return policy first.",
		},
		{
			name: "removes code blocks and inline code",
			in:   "```\norder 42\n```\nYour code is `A1` ✅",
			want: "Your code is",
		},
		{
			name: "normalizes odd punctuation spacing",
			in:   "Hello***world///again",
			want: "Hello world again",
		},
		{
			name: "keeps amounts and symbols read aloud",
			in:   "Your total is $42.50, 10% off & free shipping to +1 555 0100.",
			want: "Your total is $42.50, 10% off & free shipping to +1 555 0100.",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeSpeech(tc.in)
			if got != tc.want {
				t.Fatalf("sanitizeSpeech(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSpeechTokenKeepsWordBoundaries(t *testing.T) {
	tokens := []string{"Your ", "**order", "** is", " on its way ", "🚚", "\n", "Thanks."}
	got := ""
	for _, tok := range tokens {
		got += speechToken(tok)
	}
	want := "Your order is on its way  Thanks."
	if got != want {
		t.Fatalf("joined tokens = %q, want %q", got, want)
	}
}

func TestSpeechTokenSplitsSeparators(t *testing.T) {
	if got, want := speechToken("and/or"), "and or"; got != want {
		t.Fatalf("speechToken(%q) = %q, want %q", "and/or", got, want)
	}
}
