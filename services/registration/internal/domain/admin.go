package domain

type AdminLoginRequest struct {
	Password string `json:"password"`
}

type AdminSession struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}
