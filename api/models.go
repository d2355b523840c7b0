package api

import (
	"encoding/json"

	"github.com/CanyonCasa/homebrew/account"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"err"`
	// HSID is present, and empty, when the client must forget its session.
	HSID *string `json:"hsid,omitempty"`
}

// Credentials is the "auth" payload: a username and the client digest of
// the password (or of a challenge code for one-time logins).
type Credentials struct {
	Username string `json:"username,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// AccountRequest is the "account" field of account/new and account/change.
type AccountRequest struct {
	Identification account.IdentificationPatch `json:"identification"`
	Credentials    struct {
		Local string `json:"local,omitempty"`
	} `json:"credentials"`
}

// requestBody is every field a /user request body may carry.
type requestBody struct {
	HSID           string                                `json:"hsid,omitempty"`
	Auth           json.RawMessage                       `json:"auth,omitempty"`
	API            json.RawMessage                       `json:"api,omitempty"`
	Account        *AccountRequest                       `json:"account,omitempty"`
	Authorizations account.AuthorizationPatch            `json:"authorizations,omitempty"`
	Status         account.Status                        `json:"status,omitempty"`
	Users          map[string]account.AuthorizationPatch `json:"users,omitempty"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Msg    string                 `json:"msg"`
	HSID   string                 `json:"hsid"`
	User   account.Identification `json:"user"`
	Auth   account.Permission     `json:"auth,omitempty"`
	Result string                 `json:"result"`
}

// ListResponse is returned by the list action.
type ListResponse struct {
	Msg        string         `json:"msg"`
	Users      []account.User `json:"users"`
	Pagination PaginationMeta `json:"pagination"`
}
