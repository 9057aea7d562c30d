package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUploadE5Scenarios(t *testing.T) {
	policy := &Policy{
		DefaultAction:  "allow",
		DefaultMaxSize: 1 << 20,
		Allowed:        []AllowedRule{{MIME: "text/plain", MaxSize: 10 << 20}},
		Denied:         []DeniedRule{{MIME: "application/x-msdownload", Reason: "blacklisted"}},
	}

	r := ValidateUpload(policy, "doc.txt", 1<<20)
	assert.True(t, r.Allowed)

	r = ValidateUpload(policy, "doc.txt", 20<<20)
	assert.False(t, r.Allowed)
	assert.True(t, r.SizeExceeded)

	r = ValidateUpload(policy, "a.exe", 1<<10)
	assert.False(t, r.Allowed)
	assert.True(t, r.Blacklisted)
}

func TestValidateUploadIsPureFunction(t *testing.T) {
	policy := DefaultPolicy()
	a := ValidateUpload(policy, "doc.txt", 100)
	b := ValidateUpload(policy, "doc.txt", 100)
	assert.Equal(t, a, b)
}

func TestValidateUploadCategoryRule(t *testing.T) {
	policy := &Policy{
		DefaultAction:  "deny",
		DefaultMaxSize: 1 << 20,
		CategoryRules: map[string]CategoryRule{
			"image": {Action: "allow", MaxSize: 5 << 20},
		},
	}
	r := ValidateUpload(policy, "photo.png", 2<<20)
	assert.True(t, r.Allowed)

	r = ValidateUpload(policy, "app.json", 10)
	assert.False(t, r.Allowed)
	assert.True(t, r.NotWhitelisted)
}
