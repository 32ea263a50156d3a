package pgwire

import (
	"regexp"
	"strconv"
	"strings"
)

// The translator turns textual SQL into typed commands. It covers exactly
// the statement surface the virtual tables support; anything else is a
// syntax or unsupported-feature error before the store is touched.

var positionalColumns = map[string][]string{
	"resources": {"id", "parent_id", "capacity", "buffer_after"},
	"rules":     {"id", "resource_id", "start", "end", "blocking"},
	"bookings":  {"id", "resource_id", "start", "end", "label"},
	"holds":     {"id", "resource_id", "start", "end", "expires_at"},
}

var (
	insertRegex = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+("?[a-zA-Z_]+"?)\s*(?:\(([^)]*)\)\s*)?VALUES\s*(.+)$`)
	updateRegex = regexp.MustCompile(`(?is)^UPDATE\s+("?[a-zA-Z_]+"?)\s+SET\s+(.+?)\s+WHERE\s+(.+)$`)
	deleteRegex = regexp.MustCompile(`(?is)^DELETE\s+FROM\s+("?[a-zA-Z_]+"?)\s+WHERE\s+(.+)$`)
	selectRegex = regexp.MustCompile(`(?is)^SELECT\s+(.+?)\s+FROM\s+("?[a-zA-Z_]+"?)(?:\s+WHERE\s+(.+))?$`)
)

func normalizeIdent(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), `"`))
}

func trimStatement(stmt string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
}

// parseLiteral reads one SQL literal. NULL yields nil; quoted strings are
// unescaped; bare tokens (numbers, booleans) pass through.
func parseLiteral(tok string) (*string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, syntaxErr("empty value")
	}
	if strings.EqualFold(tok, "NULL") {
		return nil, nil
	}
	if tok[0] == '\'' {
		if len(tok) < 2 || tok[len(tok)-1] != '\'' {
			return nil, syntaxErr("unterminated string literal: %s", tok)
		}
		val := strings.ReplaceAll(tok[1:len(tok)-1], "''", "'")
		return &val, nil
	}
	if strings.ContainsAny(tok, " \t\n'\"(),") {
		return nil, syntaxErr("malformed value: %s", tok)
	}
	return &tok, nil
}

func parseStringLiteral(tok, what string) (string, error) {
	val, err := parseLiteral(tok)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", syntaxErr("%s must not be NULL", what)
	}
	return *val, nil
}

func parseIntLiteral(tok, what string) (int64, error) {
	val, err := parseStringLiteral(tok, what)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, syntaxErr("%s must be an integer, got %s", what, val)
	}
	return n, nil
}

// splitTopLevel splits on sep outside quotes and parentheses.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	inString := false
	for _, ch := range s {
		if ch == '\'' {
			inString = !inString
		}
		if !inString {
			switch ch {
			case '(':
				depth++
			case ')':
				depth--
			}
			if ch == sep && depth == 0 {
				parts = append(parts, current.String())
				current.Reset()
				continue
			}
		}
		current.WriteRune(ch)
	}
	parts = append(parts, current.String())
	return parts
}

// splitConditions splits a WHERE clause on ANDs outside string literals.
func splitConditions(clause string) []string {
	var conds []string
	var current strings.Builder
	inString := false
	for _, f := range strings.Fields(clause) {
		if strings.EqualFold(f, "AND") && !inString {
			conds = append(conds, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(f)
		if strings.Count(f, "'")%2 == 1 {
			inString = !inString
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		conds = append(conds, s)
	}
	return conds
}

// splitTuples reads a VALUES list of one or more parenthesized tuples.
func splitTuples(s string) ([][]string, error) {
	var tuples [][]string
	rest := strings.TrimSpace(s)
	for rest != "" {
		if rest[0] != '(' {
			return nil, syntaxErr("expected ( in VALUES list near: %s", rest)
		}
		depth := 0
		inString := false
		end := -1
		for i, ch := range rest {
			if ch == '\'' {
				inString = !inString
			}
			if inString {
				continue
			}
			if ch == '(' {
				depth++
			}
			if ch == ')' {
				depth--
				if depth == 0 {
					end = i
					break
				}
			}
		}
		if end < 0 {
			return nil, syntaxErr("unterminated VALUES tuple")
		}
		inner := rest[1:end]
		vals := splitTopLevel(inner, ',')
		for i := range vals {
			vals[i] = strings.TrimSpace(vals[i])
		}
		tuples = append(tuples, vals)

		rest = strings.TrimSpace(rest[end+1:])
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return nil, syntaxErr("expected , between VALUES tuples near: %s", rest)
		}
		rest = strings.TrimSpace(rest[1:])
		if rest == "" {
			return nil, syntaxErr("trailing comma in VALUES list")
		}
	}
	if len(tuples) == 0 {
		return nil, syntaxErr("empty VALUES list")
	}
	return tuples, nil
}

func knownTable(table string) bool {
	_, ok := positionalColumns[table]
	return ok
}

func parseInsert(stmt string) (InsertCommand, error) {
	m := insertRegex.FindStringSubmatch(trimStatement(stmt))
	if m == nil {
		return InsertCommand{}, syntaxErr("malformed INSERT statement")
	}
	table := normalizeIdent(m[1])
	if !knownTable(table) {
		return InsertCommand{}, Wire("42P01", "relation \""+table+"\" does not exist")
	}

	columns := positionalColumns[table]
	if strings.TrimSpace(m[2]) != "" {
		columns = nil
		for _, c := range splitTopLevel(m[2], ',') {
			name := normalizeIdent(c)
			if name == "" {
				return InsertCommand{}, syntaxErr("empty column name")
			}
			columns = append(columns, name)
		}
	}

	tuples, err := splitTuples(m[3])
	if err != nil {
		return InsertCommand{}, err
	}

	rows := make([]Row, 0, len(tuples))
	for _, vals := range tuples {
		if len(vals) != len(columns) {
			return InsertCommand{}, syntaxErr("INSERT has %d values for %d columns", len(vals), len(columns))
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			lit, err := parseLiteral(vals[i])
			if err != nil {
				return InsertCommand{}, err
			}
			row[col] = lit
		}
		rows = append(rows, row)
	}
	return InsertCommand{Table: table, Rows: rows}, nil
}

// parseIDFilter reads a WHERE clause that must be exactly id = <value>.
func parseIDFilter(clause string) (string, error) {
	conds := splitConditions(clause)
	if len(conds) != 1 {
		return "", syntaxErr("WHERE must be a single id filter")
	}
	col, op, val, err := parseCondition(conds[0])
	if err != nil {
		return "", err
	}
	if col != "id" || op != "=" {
		return "", syntaxErr("WHERE must filter on id =")
	}
	return parseStringLiteral(val, "id")
}

// parseCondition splits one condition into column, operator, and operand.
func parseCondition(cond string) (col, op, val string, err error) {
	cond = strings.TrimSpace(cond)
	upper := strings.ToUpper(cond)
	if strings.HasSuffix(upper, "IS NULL") {
		return normalizeIdent(cond[:len(cond)-len("IS NULL")]), "IS NULL", "", nil
	}
	for _, candidate := range []string{">=", "<=", "="} {
		if idx := strings.Index(cond, candidate); idx > 0 {
			return normalizeIdent(cond[:idx]), candidate, strings.TrimSpace(cond[idx+len(candidate):]), nil
		}
	}
	if idx := strings.Index(upper, " IN "); idx > 0 {
		return normalizeIdent(cond[:idx]), "IN", strings.TrimSpace(cond[idx+4:]), nil
	}
	return "", "", "", syntaxErr("malformed condition: %s", cond)
}

func parseUpdate(stmt string) (UpdateCommand, error) {
	m := updateRegex.FindStringSubmatch(trimStatement(stmt))
	if m == nil {
		return UpdateCommand{}, syntaxErr("malformed UPDATE statement")
	}
	table := normalizeIdent(m[1])
	if !knownTable(table) {
		return UpdateCommand{}, Wire("42P01", "relation \""+table+"\" does not exist")
	}

	set := make(Row)
	for _, assign := range splitTopLevel(m[2], ',') {
		col, op, val, err := parseCondition(assign)
		if err != nil {
			return UpdateCommand{}, err
		}
		if op != "=" || col == "" {
			return UpdateCommand{}, syntaxErr("malformed SET assignment: %s", assign)
		}
		lit, err := parseLiteral(val)
		if err != nil {
			return UpdateCommand{}, err
		}
		set[col] = lit
	}
	if len(set) == 0 {
		return UpdateCommand{}, syntaxErr("UPDATE requires at least one SET assignment")
	}

	id, err := parseIDFilter(m[3])
	if err != nil {
		return UpdateCommand{}, err
	}
	return UpdateCommand{Table: table, ID: id, Set: set}, nil
}

func parseDelete(stmt string) (DeleteCommand, error) {
	m := deleteRegex.FindStringSubmatch(trimStatement(stmt))
	if m == nil {
		return DeleteCommand{}, syntaxErr("malformed DELETE statement")
	}
	table := normalizeIdent(m[1])
	if !knownTable(table) {
		return DeleteCommand{}, Wire("42P01", "relation \""+table+"\" does not exist")
	}
	id, err := parseIDFilter(m[2])
	if err != nil {
		return DeleteCommand{}, err
	}
	return DeleteCommand{Table: table, ID: id}, nil
}

func parseSelect(stmt string) (SelectCommand, error) {
	m := selectRegex.FindStringSubmatch(trimStatement(stmt))
	if m == nil {
		return SelectCommand{}, syntaxErr("malformed SELECT statement")
	}
	if strings.TrimSpace(m[1]) != "*" {
		return SelectCommand{}, Wire("0A000", "only SELECT * projections are supported")
	}
	table := normalizeIdent(m[2])
	if table == "availability" {
		return parseAvailabilitySelect(m[3])
	}
	if !knownTable(table) {
		return SelectCommand{}, Wire("42P01", "relation \""+table+"\" does not exist")
	}

	cmd := SelectCommand{Table: table}
	clause := strings.TrimSpace(m[3])

	if table == "resources" {
		if clause == "" {
			return cmd, nil
		}
		col, op, val, err := parseCondition(clause)
		if err != nil {
			return SelectCommand{}, err
		}
		if col != "parent_id" {
			return SelectCommand{}, syntaxErr("resources can only be filtered by parent_id")
		}
		switch op {
		case "IS NULL":
			cmd.ParentIsNull = true
		case "=":
			id, err := parseStringLiteral(val, "parent_id")
			if err != nil {
				return SelectCommand{}, err
			}
			cmd.ParentID = &id
		default:
			return SelectCommand{}, syntaxErr("unsupported parent_id operator %s", op)
		}
		return cmd, nil
	}

	// rules, bookings, holds
	if clause == "" {
		return SelectCommand{}, syntaxErr("%s requires WHERE resource_id = <id>", table)
	}
	col, op, val, err := parseCondition(clause)
	if err != nil {
		return SelectCommand{}, err
	}
	if col != "resource_id" || op != "=" {
		return SelectCommand{}, syntaxErr("%s can only be filtered by resource_id =", table)
	}
	id, err := parseStringLiteral(val, "resource_id")
	if err != nil {
		return SelectCommand{}, err
	}
	cmd.ResourceID = &id
	return cmd, nil
}

func parseAvailabilitySelect(clause string) (SelectCommand, error) {
	cmd := SelectCommand{Table: "availability"}
	if strings.TrimSpace(clause) == "" {
		return SelectCommand{}, syntaxErr("availability requires resource_id, start, and \"end\" filters")
	}
	for _, cond := range splitConditions(clause) {
		col, op, val, err := parseCondition(cond)
		if err != nil {
			return SelectCommand{}, err
		}
		switch {
		case col == "resource_id" && op == "=":
			id, err := parseStringLiteral(val, "resource_id")
			if err != nil {
				return SelectCommand{}, err
			}
			cmd.ResourceIDs = append(cmd.ResourceIDs, id)
		case col == "resource_id" && op == "IN":
			inner := strings.TrimSpace(val)
			if len(inner) < 2 || inner[0] != '(' || inner[len(inner)-1] != ')' {
				return SelectCommand{}, syntaxErr("malformed IN list: %s", val)
			}
			for _, item := range splitTopLevel(inner[1:len(inner)-1], ',') {
				id, err := parseStringLiteral(item, "resource_id")
				if err != nil {
					return SelectCommand{}, err
				}
				cmd.ResourceIDs = append(cmd.ResourceIDs, id)
			}
		case col == "start" && op == ">=":
			n, err := parseIntLiteral(val, "start")
			if err != nil {
				return SelectCommand{}, err
			}
			cmd.Start = &n
		case col == "end" && op == "<=":
			n, err := parseIntLiteral(val, "\"end\"")
			if err != nil {
				return SelectCommand{}, err
			}
			cmd.End = &n
		case col == "min_duration" && op == "=":
			n, err := parseIntLiteral(val, "min_duration")
			if err != nil {
				return SelectCommand{}, err
			}
			cmd.MinDuration = &n
		case col == "min_available" && op == "=":
			n, err := parseIntLiteral(val, "min_available")
			if err != nil {
				return SelectCommand{}, err
			}
			cmd.MinAvailable = &n
		default:
			return SelectCommand{}, syntaxErr("unsupported availability filter: %s", cond)
		}
	}
	if len(cmd.ResourceIDs) == 0 {
		return SelectCommand{}, syntaxErr("availability requires a resource_id filter")
	}
	if cmd.Start == nil || cmd.End == nil {
		return SelectCommand{}, syntaxErr("availability requires start >= and \"end\" <= bounds")
	}
	return cmd, nil
}
