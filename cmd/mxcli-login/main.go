// mxcli-login obtains an access token via password login and writes the
// credentials file consumed by hand (the chat client takes the token as a
// flag; it never reads this file itself).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/mxcli/mxcli/transport"
)

var (
	flagHomeserver = flag.String("homeserver", "", "Homeserver base URL, e.g. https://matrix.org")
	flagUser       = flag.String("user", "", "Username or fully-qualified user ID")
	flagDevice     = flag.String("device", "mxcli", "Initial device display name")
	flagOut        = flag.String("out", "mxcli-credentials.json", "Where to write the credentials file")
)

func main() {
	flag.Parse()
	if *flagHomeserver == "" || *flagUser == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Printf("Password for %s: ", *flagUser)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read password: %v\n", err)
		os.Exit(1)
	}

	t, err := transport.New(transport.Config{HomeserverURL: *flagHomeserver})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer t.Close()

	fmt.Printf("Logging in to %s as %s...\n", *flagHomeserver, *flagUser)
	creds, err := t.Login(context.Background(), *flagUser, string(password), *flagDevice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nLogin successful!")
	fmt.Printf("User ID:      %s\n", creds.UserID)
	fmt.Printf("Device ID:    %s\n", creds.DeviceID)
	fmt.Printf("Access Token: %s\n", creds.AccessToken)

	if err := creds.WriteFile(*flagOut); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("\nCredentials saved to %s\n", *flagOut)
	fmt.Printf("\nTo chat:\n  mxcli -homeserver %s -user %s -device %s -token <token>\n",
		*flagHomeserver, creds.UserID, creds.DeviceID)
}
