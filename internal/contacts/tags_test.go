package contacts

import (
	"reflect"
	"testing"
)

func TestParseTagsNormalizes(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected TagSet
	}{
		{name: "empty", raw: "   ", expected: nil},
		{name: "trims", raw: " a ,b,  c", expected: TagSet{"a", "b", "c"}},
		{name: "drops empty tokens", raw: "a,,b,", expected: TagSet{"a", "b"}},
		{name: "folds duplicates keeping first spelling", raw: "VIP, friend, vip", expected: TagSet{"VIP", "friend"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := ParseTags(testCase.raw)
			if !reflect.DeepEqual(got, testCase.expected) {
				t.Fatalf("expected %#v, got %#v", testCase.expected, got)
			}
		})
	}
}

func TestTagSetColumnAndWithout(t *testing.T) {
	set := ParseTags("VIP, friend")
	if column := set.Column(); column == nil || *column != "VIP, friend" {
		t.Fatalf("unexpected column %v", column)
	}
	if !set.Contains("vip") {
		t.Fatalf("expected case-insensitive membership")
	}

	remaining, removed := set.Without("vip")
	if !removed || remaining.String() != "friend" {
		t.Fatalf("expected friend after removal, got %q removed=%v", remaining.String(), removed)
	}
	empty, _ := remaining.Without("FRIEND")
	if empty.Column() != nil {
		t.Fatalf("expected empty set to store nil")
	}
	if _, removed := set.Without("vi"); removed {
		t.Fatalf("expected partial token to be kept")
	}
}
