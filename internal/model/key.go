package model

type (
	// KeyPair is a crypto_box key pair. Private never leaves the client.
	KeyPair struct {
		Public  [32]byte
		Private [32]byte
	}

	PublicKeyResponse struct {
		PublicKey string `json:"publicKey"`
	}

	Credentials struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		PublicKey string `json:"publicKey"`
	}

	TokenResponse struct {
		Message string `json:"message,omitempty"`
		Token   string `json:"token"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)
