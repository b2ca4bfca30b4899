package main

import "github.com/stoik/mailbridge/services/mailbox-service/internal/app"

func main() {
	app.Execute()
}
