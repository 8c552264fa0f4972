package ledger

import (
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"offerclip/internal/offers"
)

const (
	offersSheet = "Card Offers"
	logSheet    = "Log"
)

var (
	offersHeader = []string{"Card", "Merchant", "Offer", "Discount", "Max Discount", "Min Spend", "Expiration", "Status", "Detail", "Recorded"}
	logHeader    = []string{"Run", "Card", "Activated", "Already Active", "Failed", "Skipped", "Cycles", "State", "Diagnostic", "Started", "Finished"}
)

// ExportXLSX writes records to the "Card Offers" sheet and session summaries
// to the "Log" sheet of a new workbook at path.
func ExportXLSX(path string, records []Record, sessions []SessionRecord) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(offersSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add offers sheet")
	}
	addRow(sheet, offersHeader)
	for _, r := range records {
		addRow(sheet, []string{
			r.AccountLabel,
			r.Offer.Merchant,
			r.OfferLabel,
			r.Offer.Discount,
			r.Offer.MaxDiscount,
			r.Offer.MinSpend,
			offers.FormatExpiration(r.Offer.Expiration),
			string(r.Kind),
			r.Detail,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
		})
	}

	sheet, err = f.AddSheet(logSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add log sheet")
	}
	addRow(sheet, logHeader)
	for _, s := range sessions {
		row := sheet.AddRow()
		row.AddCell().SetString(s.RunID)
		row.AddCell().SetString(s.AccountLabel)
		row.AddCell().SetInt(s.ActivatedCount)
		row.AddCell().SetInt(s.AlreadyActiveCount)
		row.AddCell().SetInt(s.FailedCount)
		row.AddCell().SetInt(s.SkippedCount)
		row.AddCell().SetInt(s.Cycles)
		row.AddCell().SetString(string(s.TerminalState))
		row.AddCell().SetString(s.Diagnostic)
		row.AddCell().SetString(s.StartedAt.Local().Format("2006-01-02 15:04:05"))
		row.AddCell().SetString(s.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

var summaryKinds = []offers.OutcomeKind{
	offers.OutcomeActivated,
	offers.OutcomeAlreadyActive,
	offers.OutcomeFailed,
	offers.OutcomeSkippedNoOffers,
}

// RenderSummary prints one row per account with a column per outcome kind.
func RenderSummary(w io.Writer, counts []KindCount) {
	byAccount := map[string]map[offers.OutcomeKind]int{}
	for _, c := range counts {
		if byAccount[c.Account] == nil {
			byAccount[c.Account] = map[offers.OutcomeKind]int{}
		}
		byAccount[c.Account][c.Kind] += c.Count
	}
	accounts := make([]string, 0, len(byAccount))
	for a := range byAccount {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	header := table.Row{"Card"}
	for _, k := range summaryKinds {
		header = append(header, string(k))
	}
	t.AppendHeader(header)

	totals := make([]int, len(summaryKinds))
	for _, a := range accounts {
		row := table.Row{a}
		for i, k := range summaryKinds {
			row = append(row, byAccount[a][k])
			totals[i] += byAccount[a][k]
		}
		t.AppendRow(row)
	}
	footer := table.Row{"Total"}
	for _, n := range totals {
		footer = append(footer, n)
	}
	t.AppendFooter(footer)
	t.SetStyle(table.StyleRounded)
	t.Render()
}
