// Package dhcpexport renders host inventories into dnsmasq-proxy and
// isc-dhcp configuration text. All functions here are pure: identical
// inputs produce byte-identical output.
package dhcpexport

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/devices"
)

// NetworkSettings carries the environment-specific values needed to render
// either export target.
type NetworkSettings struct {
	ServerIP  string
	Subnet    string // CIDR or dnsmasq-style subnet descriptor
	Interface string
	Domain    string
	NISDomain string
}

var tagSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeTag replaces every character outside [A-Za-z0-9_-] with '_'.
func SanitizeTag(s string) string {
	return tagSanitizer.ReplaceAllString(s, "_")
}

// archOrder lists the PXE client architecture codes in their fixed
// emission order; archBootFile maps each code to its grub loader filename.
var archOrder = []int{0, 6, 7, 9}

var archBootFile = map[int]string{
	0: "grub/bootnetx86.0",
	6: "grub/bootia32.efi",
	7: "grub/bootx64.efi",
	9: "grub/bootx64.efi",
}

// RenderDnsmasqProxy produces the dnsmasq-proxy configuration text for the
// given hosts. hosts is iterated in the order given; hostgroup tags are
// deduplicated preserving first-seen order.
func RenderDnsmasqProxy(hosts []devices.HostRecord, settings NetworkSettings, generatedAt time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# generated %s, %d hosts\n", generatedAt.UTC().Format(time.RFC3339), len(hosts))
	b.WriteString("port=0\n")
	fmt.Fprintf(&b, "dhcp-range=%s,proxy\n", settings.Subnet)
	b.WriteString("log-dhcp\n")
	if settings.Interface != "" {
		fmt.Fprintf(&b, "interface=%s\n", settings.Interface)
	}

	for _, arch := range archOrder {
		fmt.Fprintf(&b, "dhcp-match=set:arch%d,option:client-arch,%d\n", arch, arch)
	}
	for _, arch := range archOrder {
		file, ok := archBootFile[arch]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "dhcp-boot=tag:arch%d,%s,,%s\n", arch, file, settings.ServerIP)
	}

	// The tag is sanitized for dnsmasq's tag syntax, but option 40 carries
	// the hostgroup name as-is.
	var groups []string
	seenGroups := make(map[string]bool)
	for _, h := range hosts {
		if !h.PXEEnabled {
			continue
		}
		fmt.Fprintf(&b, "dhcp-host=%s,set:%s\n", h.MAC, SanitizeTag(h.Hostgroup))
		if !seenGroups[h.Hostgroup] {
			seenGroups[h.Hostgroup] = true
			groups = append(groups, h.Hostgroup)
		}
	}

	for _, group := range groups {
		fmt.Fprintf(&b, "dhcp-option=tag:%s,40,%s\n", SanitizeTag(group), group)
	}

	return b.String()
}

// archFilename selects the boot filename for isc-dhcp's if/else-if chain.
func archFilename(arch int) string {
	if f, ok := archBootFile[arch]; ok {
		return f
	}
	return archBootFile[0]
}

// RenderISCDHCP produces the isc-dhcp configuration text for the given
// hosts.
func RenderISCDHCP(hosts []devices.HostRecord, settings NetworkSettings, generatedAt time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# generated %s, %d hosts\n", generatedAt.UTC().Format(time.RFC3339), len(hosts))
	b.WriteString("option arch code 93 = unsigned integer 16;\n")
	fmt.Fprintf(&b, "server-identifier %s;\n", settings.ServerIP)
	fmt.Fprintf(&b, "next-server %s;\n", settings.ServerIP)

	b.WriteString("if option arch = 00:00 {\n")
	fmt.Fprintf(&b, "  filename \"%s\";\n", archFilename(0))
	for _, arch := range archOrder[1:] {
		fmt.Fprintf(&b, "} else if option arch = 00:%02d {\n", arch)
		fmt.Fprintf(&b, "  filename \"%s\";\n", archFilename(arch))
	}
	b.WriteString("}\n")

	fmt.Fprintf(&b, "subnet %s {\n", settings.Subnet)
	for _, h := range hosts {
		fmt.Fprintf(&b, "  host %s {\n", h.Hostname)
		fmt.Fprintf(&b, "    hardware ethernet %s;\n", h.MAC)
		if h.IP != "" {
			fmt.Fprintf(&b, "    fixed-address %s;\n", h.IP)
		}
		fmt.Fprintf(&b, "    option host-name \"%s\";\n", h.Hostname)
		if h.PXEEnabled {
			fmt.Fprintf(&b, "    next-server %s;\n", settings.ServerIP)
			b.WriteString("    option extensions-path \"/tftpboot\";\n")
			if settings.NISDomain != "" {
				fmt.Fprintf(&b, "    option nis-domain \"%s\";\n", settings.NISDomain)
			}
		}
		b.WriteString("  }\n")
	}
	b.WriteString("}\n")

	return b.String()
}
