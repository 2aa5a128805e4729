package server

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseQueueURL(t *testing.T) {
	id := uuid.MustParse("3f2c1b9e-8a7d-4c6b-9e5f-0a1b2c3d4e5f")
	cases := []struct {
		path   string
		want   QueueURL
		reason string
	}{
		{"", QueueURL{Queue: "raw"}, "blank selects default"},
		{"/", QueueURL{Queue: "raw"}, "slash selects default"},
		{"/office", QueueURL{Queue: "office"}, "plain queue"},
		{"/office/000042/" + id.String(), QueueURL{Queue: "office"}, "trailing segments ignored"},
		{"/i/000042/" + id.String(), QueueURL{Queue: "i", UserNumber: "000042", UserUUID: id}, "internet pair"},
		{"/i/000042/not-a-uuid", QueueURL{Queue: "i", UserNumber: "000042"}, "bad uuid treated as absent"},
		{"/i", QueueURL{Queue: "i"}, "internet without pair"},
	}
	for _, tc := range cases {
		got := ParseQueueURL(tc.path, "/raw/")
		if got != tc.want {
			t.Fatalf("%s: ParseQueueURL(%q) = %+v, want %+v", tc.reason, tc.path, got, tc.want)
		}
	}
}
