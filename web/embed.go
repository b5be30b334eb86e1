package web

import "embed"

// FS contains the embedded dashboard page.
//
//go:embed *.html
var FS embed.FS
