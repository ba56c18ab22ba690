package sse

import (
	"strings"
	"testing"
)

func TestLinesYieldsDataPayloads(t *testing.T) {
	body := strings.NewReader(
		": comment\n" +
			"event: message_start\n" +
			"data: {\"a\":1}\n" +
			"\n" +
			"data: [DONE]\n")
	var got []string
	for line, err := range Lines(body) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, line)
	}
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != "[DONE]" {
		t.Errorf("got = %q", got)
	}
}

func TestLinesEmptyBody(t *testing.T) {
	for line, err := range Lines(strings.NewReader("")) {
		t.Errorf("unexpected yield %q %v", line, err)
	}
}
