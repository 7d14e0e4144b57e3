package main

import "repod/internal/repoctl"

func main() {
	repoctl.Main()
}
