package directus

import "encoding/json"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Mode     string `json:"mode"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Mode         string `json:"refresh_mode"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expires      int64  `json:"expires"`
}

type tokenEnvelope struct {
	Data *tokenData `json:"data"`
}

type itemsEnvelope struct {
	Data []json.RawMessage `json:"data"`
}
