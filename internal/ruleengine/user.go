package ruleengine

import (
	"errors"
	"strings"
)

// Built-in attribute names resolvable on every user.
const (
	AttributeKeyID = "keyId"
	AttributeName  = "name"
)

// ErrInvalidUser is returned when a user cannot be used for targeting.
var ErrInvalidUser = errors.New("invalid user")

// EndUser is the evaluation target attached by client SDKs.
type EndUser struct {
	KeyID                string               `json:"keyId"`
	Name                 string               `json:"name,omitempty"`
	CustomizedProperties []CustomizedProperty `json:"customizedProperties,omitempty"`
}

// CustomizedProperty is a free-form targeting attribute.
type CustomizedProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Validate checks the user carries a usable key.
func (u *EndUser) Validate() error {
	if u == nil {
		return errors.Join(ErrInvalidUser, errors.New("user is missing"))
	}
	if strings.TrimSpace(u.KeyID) == "" {
		return errors.Join(ErrInvalidUser, errors.New("keyId cannot be empty"))
	}
	for _, p := range u.CustomizedProperties {
		if strings.TrimSpace(p.Name) == "" {
			return errors.Join(ErrInvalidUser, errors.New("customized property name cannot be empty"))
		}
	}
	return nil
}

// ValueOf resolves an attribute. Built-in names are matched case-insensitively,
// custom properties by exact name first and case-insensitively second.
func (u *EndUser) ValueOf(property string) (string, bool) {
	if u == nil {
		return "", false
	}

	switch {
	case strings.EqualFold(property, AttributeKeyID):
		return u.KeyID, true
	case strings.EqualFold(property, AttributeName):
		return u.Name, u.Name != ""
	}

	for _, p := range u.CustomizedProperties {
		if p.Name == property {
			return p.Value, true
		}
	}
	for _, p := range u.CustomizedProperties {
		if strings.EqualFold(p.Name, property) {
			return p.Value, true
		}
	}
	return "", false
}

// bucketKey resolves the hashing subject, falling back to keyId when the
// configured dispatch attribute is missing.
func (u *EndUser) bucketKey(dispatchKey string) string {
	if u == nil {
		return ""
	}
	if dispatchKey != "" {
		if v, ok := u.ValueOf(dispatchKey); ok && v != "" {
			return v
		}
	}
	return u.KeyID
}
