// Command fpirls fits penalized regression, GAM and mixed-effects problems
// described in YAML files over a grid of smoothing strengths.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
