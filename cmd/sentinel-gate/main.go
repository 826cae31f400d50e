// Command sentinel-gate runs the Sentinel Gate MCP security gateway.
package main

import "github.com/Sentinel-Gate/Sentinelgate/cmd/sentinel-gate/cmd"

func main() {
	cmd.Execute()
}
