package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyStyleCheerful(t *testing.T) {
	out := ApplyStyle("cheerful", "That was good.")
	require.Equal(t, "That was great!", out)

	// already emphatic endings are left alone
	assert.Equal(t, "Amazing!", ApplyStyle("cheerful", "Amazing!"))
	assert.Equal(t, "Really?", ApplyStyle("cheerful", "Really?"))
	assert.Equal(t, "Hmm...", ApplyStyle("cheerful", "Hmm..."))
}

func TestApplyStyleCheerfulWholeWordOnly(t *testing.T) {
	// "goodbye" must not become "greatbye"
	out := ApplyStyle("cheerful", "Goodbye, this is a nice day.")
	assert.Contains(t, out, "Goodbye")
	assert.Contains(t, out, "wonderful")
	assert.NotContains(t, out, "nice")
}

func TestApplyStyleCheerfulCaseInsensitive(t *testing.T) {
	out := ApplyStyle("cheerful", "Good idea, I Like it.")
	assert.Contains(t, out, "great idea")
	assert.Contains(t, out, "love")
}

func TestApplyStyleFormal(t *testing.T) {
	out := ApplyStyle("formal", "I can't do that.")
	require.Contains(t, out, "cannot")

	out = ApplyStyle("formal", "Don't worry, it's fine and I'm sure we won't fail.")
	assert.Contains(t, out, "do not")
	assert.Contains(t, out, "it is")
	assert.Contains(t, out, "I am")
	assert.Contains(t, out, "will not")
}

func TestApplyStyleUnknownPassThrough(t *testing.T) {
	in := "I can't say that was good."
	assert.Equal(t, in, ApplyStyle("sarcastic", in))
	assert.Equal(t, in, ApplyStyle("", in))
}

func TestApplyStyleDeterministic(t *testing.T) {
	a := ApplyStyle("cheerful", "That was good.")
	b := ApplyStyle("cheerful", "That was good.")
	assert.Equal(t, a, b)
}

func TestParsePersona(t *testing.T) {
	d := Parse(`{"persona_description":"A seasoned alpine guide with decades of experience","speaking_style":"Cheerful","interests":"climbing"}`)
	assert.Equal(t, "cheerful", d.Style())
	assert.Equal(t, "climbing", d.Interests)
	assert.Equal(t, "A seasoned alpine guide", d.ShortDescription(4))
}

func TestParsePersonaMalformed(t *testing.T) {
	assert.Equal(t, Data{}, Parse("not json"))
	assert.Equal(t, Data{}, Parse(""))
	assert.Equal(t, Data{}, Parse("[1,2,3]"))
}
