package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskTier classifies how dangerous a candidate command is.
type RiskTier string

const (
	// TierSafe commands need no gate.
	TierSafe RiskTier = "safe"
	// TierCaution commands are presented with a warning but not blocked.
	TierCaution RiskTier = "caution"
	// TierDestructive commands require an explicit confirmation token.
	TierDestructive RiskTier = "destructive"
)

var tierRank = map[RiskTier]int{
	TierSafe:        0,
	TierCaution:     1,
	TierDestructive: 2,
}

// ParseTier normalizes a tier string from configuration.
func ParseTier(value string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TierSafe):
		return TierSafe, nil
	case string(TierCaution):
		return TierCaution, nil
	case string(TierDestructive):
		return TierDestructive, nil
	default:
		return "", fmt.Errorf("unsupported risk tier %q", value)
	}
}

// MaxTier returns the more severe of two tiers.
func MaxTier(a, b RiskTier) RiskTier {
	if tierRank[b] > tierRank[a] {
		return b
	}
	return a
}

// Verdict is the classification outcome for one command line.
type Verdict struct {
	Tier    RiskTier
	Reasons []string
}

// RequiresConfirmation reports whether execution needs an explicit token.
func (v Verdict) RequiresConfirmation() bool {
	return v.Tier == TierDestructive
}

// ExtraRule is an operator-supplied pattern/tier pair.
type ExtraRule struct {
	Pattern *regexp.Regexp
	Tier    RiskTier
	Reason  string
}

// Classifier maps command text to a risk tier. It is pure and safe for
// concurrent use.
type Classifier struct {
	extra []ExtraRule
}

// NewClassifier builds a classifier with operator rules layered on top of
// the built-in destructive tables. Rule inputs are pattern/tier/reason
// string triples; invalid patterns or tiers are configuration errors.
func NewClassifier(rules ...RuleSpec) (*Classifier, error) {
	extra := make([]ExtraRule, 0, len(rules))
	for i, spec := range rules {
		pattern := strings.TrimSpace(spec.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("safety rule %d has an empty pattern", i)
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile safety rule %d (%q): %w", i, pattern, err)
		}
		tier, err := ParseTier(spec.Tier)
		if err != nil {
			return nil, fmt.Errorf("safety rule %d: %w", i, err)
		}
		reason := strings.TrimSpace(spec.Reason)
		if reason == "" {
			reason = fmt.Sprintf("matched configured rule %q", pattern)
		}
		extra = append(extra, ExtraRule{Pattern: compiled, Tier: tier, Reason: reason})
	}
	return &Classifier{extra: extra}, nil
}

// RuleSpec is the raw form of an operator rule before compilation.
type RuleSpec struct {
	Pattern string
	Tier    string
	Reason  string
}

// Known read-only verbs that carry no side effects worth gating.
var safeVerbs = map[string]struct{}{
	"cat": {}, "cd": {}, "df": {}, "diff": {}, "du": {}, "echo": {},
	"env": {}, "file": {}, "find": {}, "free": {}, "grep": {}, "head": {},
	"history": {}, "hostname": {}, "id": {}, "less": {}, "ls": {},
	"lsblk": {}, "man": {}, "more": {}, "mount": {}, "netstat": {},
	"ping": {}, "printenv": {}, "ps": {}, "pwd": {}, "sort": {}, "ss": {},
	"stat": {}, "tail": {}, "top": {}, "uname": {}, "uniq": {},
	"uptime": {}, "wc": {}, "which": {}, "whoami": {},
}

// Verbs that destroy data or state outright, regardless of flags.
var destructiveVerbs = map[string]string{
	"dd":       "raw disk write",
	"fdisk":    "partition table modification",
	"mkfs":     "filesystem creation destroys existing data",
	"parted":   "partition table modification",
	"shred":    "irrecoverable file destruction",
	"wipefs":   "filesystem signature erasure",
	"halt":     "system-wide shutdown",
	"poweroff": "system-wide shutdown",
	"reboot":   "system-wide restart",
	"shutdown": "system-wide shutdown",
}

// Removal-like verbs become destructive with force or recursive flags, or
// when combined with privilege escalation.
var removalVerbs = map[string]struct{}{
	"rm": {}, "rmdir": {}, "unlink": {}, "userdel": {}, "groupdel": {},
}

// Verbs that warrant caution on their own.
var cautionVerbs = map[string]string{
	"chmod": "permission change", "chown": "ownership change",
	"kill": "process termination", "pkill": "process termination",
	"killall": "process termination", "mv": "file relocation can overwrite",
	"cp": "file copy can overwrite", "truncate": "file truncation",
	"apt": "package management", "apt-get": "package management",
	"yum": "package management", "dnf": "package management",
	"pacman": "package management", "brew": "package management",
	"systemctl": "service control", "service": "service control",
	"nc": "network exposure", "netcat": "network exposure",
	"telnet": "network exposure", "iptables": "firewall modification",
	"nft": "firewall modification", "ufw": "firewall modification",
}

// Classify analyzes one command line. Pipelines and command lists are
// classified stage by stage; the verdict carries the most severe tier.
// Unknown commands default to caution: unknown is never trusted.
func (c *Classifier) Classify(commandText string) Verdict {
	trimmed := strings.TrimSpace(commandText)
	if trimmed == "" {
		return Verdict{Tier: TierCaution, Reasons: []string{"empty command"}}
	}

	verdict := Verdict{Tier: TierSafe}
	for _, stage := range splitStages(trimmed) {
		stageVerdict := c.classifyStage(stage)
		verdict.Tier = MaxTier(verdict.Tier, stageVerdict.Tier)
		verdict.Reasons = append(verdict.Reasons, stageVerdict.Reasons...)
	}

	for _, rule := range c.extraRules() {
		if rule.Pattern.MatchString(trimmed) {
			verdict.Tier = MaxTier(verdict.Tier, rule.Tier)
			verdict.Reasons = append(verdict.Reasons, rule.Reason)
		}
	}

	if len(verdict.Reasons) == 0 && verdict.Tier == TierSafe {
		verdict.Reasons = []string{"read-only command"}
	}
	return verdict
}

func (c *Classifier) extraRules() []ExtraRule {
	if c == nil {
		return nil
	}
	return c.extra
}

func (c *Classifier) classifyStage(stage string) Verdict {
	tokens := tokenize(stage)
	if len(tokens) == 0 {
		return Verdict{Tier: TierCaution, Reasons: []string{"unparseable command stage"}}
	}

	sudo := false
	for stripping := true; stripping && len(tokens) > 0; {
		switch baseVerb(tokens[0]) {
		case "sudo", "doas":
			sudo = true
			tokens = tokens[1:]
		case "xargs", "nohup", "nice", "time":
			// Wrapper verbs execute whatever follows; classify that instead.
			tokens = tokens[1:]
			for len(tokens) > 0 && strings.HasPrefix(tokens[0], "-") {
				tokens = tokens[1:]
			}
		default:
			stripping = false
		}
	}
	if len(tokens) == 0 {
		if sudo {
			return Verdict{Tier: TierCaution, Reasons: []string{"bare privilege escalation"}}
		}
		return Verdict{Tier: TierCaution, Reasons: []string{"unparseable command stage"}}
	}

	verb := baseVerb(tokens[0])
	force, recursive := flagShape(tokens[1:])
	overwrite := hasOverwriteRedirect(stage)

	verdict := Verdict{Tier: TierSafe}
	addReason := func(tier RiskTier, reason string) {
		verdict.Tier = MaxTier(verdict.Tier, tier)
		verdict.Reasons = append(verdict.Reasons, reason)
	}

	switch {
	case isDestructiveVerb(verb):
		addReason(TierDestructive, destructiveReason(verb))
	case isRemovalVerb(verb):
		switch {
		case force && recursive:
			addReason(TierDestructive, "recursive forced removal")
		case force || recursive || sudo:
			addReason(TierDestructive, "removal with force, recursion, or elevated privileges")
		default:
			addReason(TierCaution, "file removal")
		}
	case verb == "iptables" && containsFlag(tokens[1:], "-F", "--flush"):
		addReason(TierDestructive, "firewall flush")
	case verb == "nft" && containsToken(tokens[1:], "flush"):
		addReason(TierDestructive, "firewall flush")
	case verb == "init" && containsToken(tokens[1:], "0", "6"):
		addReason(TierDestructive, "system runlevel change")
	default:
		if reason, ok := cautionVerbs[verb]; ok {
			addReason(TierCaution, reason)
		} else if _, ok := safeVerbs[verb]; !ok {
			addReason(TierCaution, fmt.Sprintf("unrecognized command %q", verb))
		}
	}

	if sudo && verdict.Tier == TierSafe {
		addReason(TierCaution, "privilege escalation")
	} else if sudo && verdict.Tier == TierCaution {
		verdict.Reasons = append(verdict.Reasons, "privilege escalation")
	}
	if force && verdict.Tier == TierCaution && !isRemovalVerb(verb) {
		verdict.Reasons = append(verdict.Reasons, "force flag")
	}
	if overwrite && verdict.Tier == TierSafe {
		addReason(TierCaution, "output redirection overwrites a file")
	}
	return verdict
}

func isDestructiveVerb(verb string) bool {
	if _, ok := destructiveVerbs[verb]; ok {
		return true
	}
	// mkfs.ext4 and friends.
	return strings.HasPrefix(verb, "mkfs.")
}

func destructiveReason(verb string) string {
	if reason, ok := destructiveVerbs[verb]; ok {
		return reason
	}
	return destructiveVerbs["mkfs"]
}

func isRemovalVerb(verb string) bool {
	_, ok := removalVerbs[verb]
	return ok
}

func baseVerb(token string) string {
	token = strings.TrimSpace(token)
	if index := strings.LastIndex(token, "/"); index >= 0 {
		token = token[index+1:]
	}
	return strings.ToLower(token)
}

func flagShape(args []string) (force, recursive bool) {
	for _, arg := range args {
		switch {
		case arg == "--force":
			force = true
		case arg == "--recursive" || arg == "-R":
			recursive = true
		case strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--"):
			flags := arg[1:]
			if strings.ContainsAny(flags, "f") {
				force = true
			}
			if strings.ContainsAny(flags, "rR") {
				recursive = true
			}
		}
	}
	return force, recursive
}

func containsFlag(args []string, flags ...string) bool {
	for _, arg := range args {
		for _, flag := range flags {
			if arg == flag {
				return true
			}
		}
	}
	return false
}

func containsToken(args []string, tokens ...string) bool {
	return containsFlag(args, tokens...)
}

func hasOverwriteRedirect(stage string) bool {
	inSingle, inDouble := false, false
	for i := 0; i < len(stage); i++ {
		switch stage[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '>':
			if inSingle || inDouble {
				continue
			}
			// >> appends rather than overwriting.
			if i+1 < len(stage) && stage[i+1] == '>' {
				i++
				continue
			}
			if i > 0 && stage[i-1] == '>' {
				continue
			}
			if i > 0 && stage[i-1] == '2' {
				continue
			}
			return true
		}
	}
	return false
}

// splitStages breaks a command line on pipeline and list operators outside
// of quotes.
func splitStages(command string) []string {
	var stages []string
	var current strings.Builder
	inSingle, inDouble := false, false

	flush := func() {
		stage := strings.TrimSpace(current.String())
		if stage != "" {
			stages = append(stages, stage)
		}
		current.Reset()
	}

	for i := 0; i < len(command); i++ {
		ch := command[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(ch)
		case inSingle || inDouble:
			current.WriteByte(ch)
		case ch == '|' || ch == ';':
			if ch == '|' && i+1 < len(command) && command[i+1] == '|' {
				i++
			}
			flush()
		case ch == '&' && i+1 < len(command) && command[i+1] == '&':
			i++
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return stages
}

// tokenize splits one stage into words, honoring quotes.
func tokenize(stage string) []string {
	var tokens []string
	var current strings.Builder
	inSingle, inDouble := false, false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(stage); i++ {
		ch := stage[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case (ch == ' ' || ch == '\t') && !inSingle && !inDouble:
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return tokens
}
