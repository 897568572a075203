// Command timetravel resolves URLs to archived snapshots.
package main

import "github.com/JakeFAU/timetravel/cmd"

func main() {
	cmd.Execute()
}
