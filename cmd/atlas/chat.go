package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/models"
)

func newChatCmd() *cobra.Command {
	var (
		configPath   string
		showThoughts bool
	)

	cmd := &cobra.Command{
		Use:   "chat <question>",
		Short: "Ask the assistant a one-off question",
		Long:  "Sends a single question to the chat endpoint and prints the answer as it streams in.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, strings.Join(args, " "), showThoughts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Atlas config file")
	cmd.Flags().BoolVar(&showThoughts, "thoughts", false, "also print the assistant's reasoning steps")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, question string, showThoughts bool) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return fmt.Errorf("question is empty")
	}
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext(cmd)
	defer stop()

	body, err := a.client.Chat(ctx, models.ChatRequest{Message: question})
	if err != nil {
		return err
	}
	defer body.Close()

	out := cmd.OutOrStdout()
	var printed, thoughts int
	for msg := range chat.Stream(ctx, body, chat.StreamOpts{Logger: a.logger.Named("chat")}) {
		if showThoughts {
			for _, t := range msg.Thoughts[thoughts:] {
				fmt.Fprintf(out, "(%s)\n", t)
			}
		}
		thoughts = len(msg.Thoughts)
		if len(msg.Content) > printed {
			fmt.Fprint(out, msg.Content[printed:])
			printed = len(msg.Content)
		}
	}
	if printed > 0 {
		fmt.Fprintln(out)
	}
	return ctx.Err()
}
