// Command sociallinks finds the social media links of websites by letting
// Claude drive a Playwright MCP server.
package main

import "sociallinks/internal/cli"

func main() {
	cli.Execute()
}
