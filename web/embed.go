package web

import "embed"

// FS holds the status page served by the agent.
//
//go:embed *.html *.css *.js
var FS embed.FS
