package subject

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo", "foo.bar", false},
		{"foo.*.bar", "foo.some.bar", true},
		{"foo.*.bar", "foo.some.baz", false},
		{"foo.*.bar", "foo.bar", false},
		{"foo.>", "foo.a", true},
		{"foo.>", "foo.a.b.c", true},
		{"foo.>", "foo", false},
		{">", "anything.at.all", true},
		{"*", "one", true},
		{"*", "one.two", false},
		{"*.*", "a.b", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.subject))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"foo", "foo.bar", "foo.*.bar", "foo.>", ">", "*"}
	for _, p := range valid {
		assert.NoError(t, ValidatePattern(p), p)
	}

	invalid := []string{"", "foo..bar", ".foo", "foo.", "foo.>.bar", "foo bar"}
	for _, p := range invalid {
		assert.Error(t, ValidatePattern(p), p)
	}
}

func TestValidatePublish(t *testing.T) {
	assert.NoError(t, ValidatePublish("foo.some.bar"))
	assert.Error(t, ValidatePublish("foo.*.bar"))
	assert.Error(t, ValidatePublish("foo.>"))
	assert.Error(t, ValidatePublish(""))
	assert.True(t, HasWildcard("a.*"))
	assert.False(t, HasWildcard("a.b"))
}
