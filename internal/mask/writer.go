package mask

import (
	"io"
)

type maskedWriter struct {
	w     io.Writer
	store *SecretStore
}

func (w *maskedWriter) Write(b []byte) (n int, err error) {
	masked := w.store.Mask(string(b))
	if _, err := io.WriteString(w.w, masked); err != nil {
		return 0, err
	}

	return len(b), nil
}
