package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// imageLineageData mirrors the JSON shape internal/lineage writes under
// kind=image (its lineageData struct is unexported, so the CLI decodes the
// same tags independently rather than importing lineage internals).
type imageLineageData struct {
	ParentImage string `json:"parent_image,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Command     string `json:"command,omitempty"`
	RegistryURL string `json:"registry_url,omitempty"`
	Tag         string `json:"tag,omitempty"`
	IsImport    bool   `json:"is_import,omitempty"`
}

func newImagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect image lineage recorded by the broker",
	}

	cmd.AddCommand(newImagesLineageCmd())

	return cmd
}

func newImagesLineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <image>",
		Short: "Show the ancestor chain and derived images for an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runImagesLineage,
	}
}

type lineageNode struct {
	Image       string `json:"image"`
	ParentImage string `json:"parent_image,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Command     string `json:"command,omitempty"`
	RegistryURL string `json:"registry_url,omitempty"`
	Tag         string `json:"tag,omitempty"`
	IsImport    bool   `json:"is_import,omitempty"`
}

type lineageOutput struct {
	Ancestors []lineageNode `json:"ancestors"`
	Children  []lineageNode `json:"children"`
}

func runImagesLineage(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	image := args[0]

	ancestorEntries, err := cc.Broker.GeneralCache.GetAncestors(ctx, "image", image, 0)
	if err != nil {
		return fmt.Errorf("looking up ancestors of %s: %w", image, err)
	}

	childEntries, err := cc.Broker.GeneralCache.GetChildren(ctx, "image", image, 0)
	if err != nil {
		return fmt.Errorf("looking up children of %s: %w", image, err)
	}

	out := lineageOutput{
		Ancestors: make([]lineageNode, 0, len(ancestorEntries)),
		Children:  make([]lineageNode, 0, len(childEntries)),
	}

	for _, e := range ancestorEntries {
		node, err := toLineageNode(e.Key, e)
		if err != nil {
			return err
		}

		out.Ancestors = append(out.Ancestors, node)
	}

	for _, e := range childEntries {
		node, err := toLineageNode(e.Key, e)
		if err != nil {
			return err
		}

		out.Children = append(out.Children, node)
	}

	if cc.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printLineageText(image, out)

	return nil
}

// dataDecoder is satisfied by cache.Entry; declared locally to keep this
// file decoupled from the cache package's concrete type in its signature.
type dataDecoder interface {
	DataAs(v any) error
}

func toLineageNode(image string, e dataDecoder) (lineageNode, error) {
	var d imageLineageData
	if err := e.DataAs(&d); err != nil {
		return lineageNode{}, fmt.Errorf("decoding lineage data for %s: %w", image, err)
	}

	return lineageNode{
		Image:       image,
		ParentImage: d.ParentImage,
		OperationID: d.OperationID,
		Command:     d.Command,
		RegistryURL: d.RegistryURL,
		Tag:         d.Tag,
		IsImport:    d.IsImport,
	}, nil
}

func printLineageText(image string, out lineageOutput) {
	fmt.Printf("Lineage for %s\n\n", image)

	fmt.Println("Ancestors (immediate parent first):")

	if len(out.Ancestors) == 0 {
		fmt.Println("  (none)")
	}

	for _, n := range out.Ancestors {
		printLineageNode(n)
	}

	fmt.Println()
	fmt.Println("Derived images:")

	if len(out.Children) == 0 {
		fmt.Println("  (none)")
	}

	for _, n := range out.Children {
		printLineageNode(n)
	}
}

func printLineageNode(n lineageNode) {
	switch {
	case n.IsImport:
		fmt.Printf("  %-40s imported from %s:%s (op %s)\n", n.Image, n.RegistryURL, n.Tag, n.OperationID)
	case n.ParentImage != "":
		fmt.Printf("  %-40s from %s via %q (op %s)\n", n.Image, n.ParentImage, n.Command, n.OperationID)
	default:
		fmt.Printf("  %-40s\n", n.Image)
	}
}
