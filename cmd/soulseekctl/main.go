// Command soulseekctl is a thin command-line front end to the soulseek
// client library: log in, run a single search, print the results.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	soulseek "github.com/soulseek-go/soulseek"
	"github.com/soulseek-go/soulseek/search"
)

func main() {
	app := cli.NewApp()
	app.Name = "soulseekctl"
	app.Usage = "command-line Soulseek client"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "username, u", EnvVar: "SLSK_USERNAME"},
		cli.StringFlag{Name: "password, p", EnvVar: "SLSK_PASSWORD"},
		cli.StringFlag{Name: "server, s", Value: "server.slsknet.org:2242", Usage: "server address"},
		cli.StringFlag{Name: "listen, l", Value: "", Usage: "local address to accept peer connections on"},
	}

	app.Commands = []cli.Command{
		{
			Name:      "search",
			Usage:     "run a search and print matching files",
			ArgsUsage: "<query>",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit", Value: 50, Usage: "max responses to collect"},
				cli.DurationFlag{Name: "timeout", Value: 20 * time.Second, Usage: "overall search timeout"},
			},
			Action: runSearch,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "soulseekctl:", err)
		os.Exit(1)
	}
}

func newClient(c *cli.Context) *soulseek.Client {
	return soulseek.New(soulseek.Config{
		Username:   c.GlobalString("username"),
		Password:   c.GlobalString("password"),
		ServerAddr: c.GlobalString("server"),
		ListenAddr: c.GlobalString("listen"),
	})
}

func runSearch(c *cli.Context) error {
	query := c.Args().First()
	if query == "" {
		return cli.NewExitError("search requires a query argument", 2)
	}

	client := newClient(c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return cli.NewExitError(fmt.Sprintf("connect: %v", err), 1)
	}
	defer client.Disconnect()

	opts := search.DefaultOptions()
	opts.ResponseLimit = c.Int("limit")
	opts.SearchTimeout = c.Duration("timeout")

	searchCtx, searchCancel := context.WithTimeout(context.Background(), opts.SearchTimeout+5*time.Second)
	defer searchCancel()

	sess, err := client.Search(searchCtx, query, opts)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("search: %v", err), 1)
	}

	select {
	case <-sess.Done():
	case <-searchCtx.Done():
	}

	for _, resp := range sess.Responses() {
		for _, f := range resp.Files {
			fmt.Printf("%s\t%d\t%s\n", resp.Username, f.Size, f.Name)
		}
	}
	return nil
}
