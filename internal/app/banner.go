package app

import (
	"bytes"
	"io"

	"github.com/dimiro1/banner"
)

const Version = "dev"

// PrintBanner writes the startup banner for the named binary.
func PrintBanner(w io.Writer, title string) {
	tpl := "{{ .Title \"" + title + "\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, true, bytes.NewBufferString(tpl))
}
