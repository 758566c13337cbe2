package main

import "github.com/JakeFAU/seedprice-pipeline/cmd"

func main() {
	cmd.Execute()
}
