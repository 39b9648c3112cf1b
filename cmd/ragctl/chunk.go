package main

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kirillkom/passage-retrieval/internal/config"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/chunking"
)

type chunkReport struct {
	File     string         `json:"file" yaml:"file"`
	Runes    int            `json:"runes" yaml:"runes"`
	Passages []chunkPassage `json:"passages" yaml:"passages"`
}

type chunkPassage struct {
	Index int    `json:"index" yaml:"index"`
	Runes int    `json:"runes" yaml:"runes"`
	Text  string `json:"text" yaml:"text"`
}

func newChunkCmd(cfg config.Config) *cobra.Command {
	var (
		size    int
		overlap int
		minSize int
		output  string
	)
	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Split a UTF-8 text file into passages with the configured chunker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if !utf8.Valid(raw) {
				return fmt.Errorf("%s is not valid utf-8", args[0])
			}
			text := string(raw)

			chunks := chunking.NewSplitter(size, overlap, minSize).Split(text)
			report := chunkReport{File: args[0], Runes: utf8.RuneCountInString(text), Passages: make([]chunkPassage, 0, len(chunks))}
			for i, chunk := range chunks {
				report.Passages = append(report.Passages, chunkPassage{Index: i, Runes: utf8.RuneCountInString(chunk), Text: chunk})
			}
			return writeOutput(cmd.OutOrStdout(), output, report)
		},
	}
	cmd.Flags().IntVar(&size, "size", cfg.ChunkSize, "passage size in characters")
	cmd.Flags().IntVar(&overlap, "overlap", cfg.ChunkOverlap, "characters shared by neighbouring passages")
	cmd.Flags().IntVar(&minSize, "min-size", cfg.MinChunkSize, "drop passages shorter than this")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}
