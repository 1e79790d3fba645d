package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/model"
)

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Look up and maintain individual companies",
}

// -- company show --

var (
	showPermID int64
	showName   string
)

var companyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a company by permid or exact name",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if showPermID == 0 && showName == "" {
			return eris.New("either --permid or --name is required")
		}

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		var company *model.CompanyEntity
		if showPermID != 0 {
			company, err = gc.FindCompanyByPermID(ctx, showPermID)
		} else {
			company, err = gc.FindCompanyByName(ctx, showName)
		}
		if err != nil {
			return eris.Wrap(err, "company show")
		}
		if company == nil {
			fmt.Fprintln(os.Stderr, "Company not found.")
			return nil
		}

		formatCompany(os.Stdout, *company)
		return nil
	},
}

// -- company list --

var listMinScore float64

var companyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List companies at or above a match score threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		companies, err := gc.HighConfidenceCompanies(ctx, listMinScore)
		if err != nil {
			return eris.Wrap(err, "company list")
		}
		if len(companies) == 0 {
			fmt.Fprintln(os.Stderr, "No companies found.")
			return nil
		}

		formatCompanyList(os.Stdout, companies)
		return nil
	},
}

// -- company set --

var setPermID int64

var companySetCmd = &cobra.Command{
	Use:   "set key=value [key=value ...]",
	Short: "Patch properties on an existing company",
	Long:  "Values parse as bool, integer, or float before falling back to string. The permid itself is immutable and cannot be patched.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		props, err := parseProperties(args)
		if err != nil {
			return err
		}

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		if err := gc.UpdateCompanyProperties(ctx, setPermID, props); err != nil {
			return eris.Wrap(err, "company set")
		}

		zap.L().Info("company updated",
			zap.Int64("permid", setPermID),
			zap.Int("properties", len(props)),
		)
		return nil
	},
}

// -- company remove --

var removePermID int64

var companyRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a company and all of its relationships",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		removed, err := gc.RemoveCompany(ctx, removePermID)
		if err != nil {
			return eris.Wrap(err, "company remove")
		}
		if !removed {
			fmt.Fprintln(os.Stderr, "Company not found.")
			return nil
		}

		zap.L().Info("company removed", zap.Int64("permid", removePermID))
		return nil
	},
}

func init() {
	companyShowCmd.Flags().Int64Var(&showPermID, "permid", 0, "company permid")
	companyShowCmd.Flags().StringVar(&showName, "name", "", "exact company name")

	companyListCmd.Flags().Float64Var(&listMinScore, "min-score", 0.8, "minimum match score")

	companySetCmd.Flags().Int64Var(&setPermID, "permid", 0, "company permid (required)")
	_ = companySetCmd.MarkFlagRequired("permid")

	companyRemoveCmd.Flags().Int64Var(&removePermID, "permid", 0, "company permid (required)")
	_ = companyRemoveCmd.MarkFlagRequired("permid")

	companyCmd.AddCommand(companyShowCmd)
	companyCmd.AddCommand(companyListCmd)
	companyCmd.AddCommand(companySetCmd)
	companyCmd.AddCommand(companyRemoveCmd)
	rootCmd.AddCommand(companyCmd)
}

// parseProperties turns key=value arguments into typed property values.
func parseProperties(args []string) (map[string]model.PropertyValue, error) {
	props := make(map[string]model.PropertyValue, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, eris.Errorf("invalid property %q, expected key=value", arg)
		}
		props[key] = parsePropertyValue(raw)
	}
	return props, nil
}

// parsePropertyValue picks the narrowest type the raw string fits.
func parsePropertyValue(raw string) model.PropertyValue {
	switch raw {
	case "true":
		return model.BoolValue(true)
	case "false":
		return model.BoolValue(false)
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return model.IntValue(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return model.FloatValue(f)
	}
	return model.StringValue(raw)
}

// formatCompany writes one company as indented JSON.
func formatCompany(out io.Writer, c model.CompanyEntity) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(c)
}

// formatCompanyList writes a tabular company listing to out.
func formatCompanyList(out io.Writer, companies []model.CompanyEntity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERMID\tNAME\tSCORE\tSECTOR\tCOUNTRY\tASSEMBLER")
	_, _ = fmt.Fprintln(w, "------\t----\t-----\t------\t-------\t---------")

	for _, c := range companies {
		assembler := ""
		if c.IsFinalAssembler {
			assembler = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%s\t%s\n",
			c.PermID, c.Name, c.MatchScore, c.IndustrySector, c.Country, assembler)
	}
	_ = w.Flush()
}
