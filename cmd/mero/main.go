// Command mero runs multi-node workflow files.
package main

import "github.com/davidroman0O/meroflow/cmd"

func main() {
	cmd.Execute()
}
