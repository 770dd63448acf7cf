package container

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/raffis/rageta-agent/internal/execution"
)

const (
	sudoGroupName = "rageta_sudo"
	rootUser      = "0"

	// containerUserSuffix renames the host user if the image already uses its name for another uid.
	containerUserSuffix = "_rageta"
)

func (m *Manager) exec(ctx context.Context, id string, cmd ...string) ([]string, int, error) {
	var lines []string
	code, err := m.engine.Exec(ctx, id, ExecSpec{
		User:   rootUser,
		Cmd:    cmd,
		Stdout: func(line string) { lines = append(lines, line) },
		Stderr: func(line string) { lines = append(lines, line) },
	})

	return lines, code, err
}

func (m *Manager) mustExec(ctx context.Context, id string, cmd ...string) ([]string, error) {
	lines, code, err := m.exec(ctx, id, cmd...)
	if err != nil {
		return nil, fmt.Errorf("exec `%s` failed: %w", strings.Join(cmd, " "), err)
	}

	if code != 0 {
		return nil, fmt.Errorf("exec `%s` exited with code %d: %s", strings.Join(cmd, " "), code, strings.Join(lines, "\n"))
	}

	return lines, nil
}

func firstLine(lines []string) string {
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}

	return ""
}

// provisionUser creates an in-container user mirroring the host uid/gid with password-less sudo.
func (m *Manager) provisionUser(ctx context.Context, ec *execution.Context, info *Info) (User, error) {
	id := info.ID()
	user := User{
		Name:    m.settings.HostUserName,
		ID:      m.settings.HostUID,
		GroupID: m.settings.HostGID,
	}

	release, _, err := m.exec(ctx, id, "sh", "-c", "cat /etc/*release 2>/dev/null | grep ^ID=")
	if err != nil {
		return user, err
	}

	alpine := strings.Contains(firstLine(release), "alpine")

	lines, _, err := m.exec(ctx, id, "sh", "-c", fmt.Sprintf("getent passwd %s | cut -d: -f1", user.ID))
	if err != nil {
		return user, err
	}

	if existing := firstLine(lines); existing != "" {
		ec.Logger().V(1).Info("found existing container user", "user", existing, "uid", user.ID)
		user.Name = existing

		lines, _, err = m.exec(ctx, id, "sh", "-c", fmt.Sprintf("id -gn %s", existing))
		if err != nil {
			return user, err
		}

		user.GroupName = firstLine(lines)
		return user, m.grantSudo(ctx, ec, info, user, alpine)
	}

	lines, _, err = m.exec(ctx, id, "sh", "-c", fmt.Sprintf("getent passwd %s | cut -d: -f1", user.Name))
	if err != nil {
		return user, err
	}

	if firstLine(lines) != "" {
		ec.Logger().V(1).Info("container user name taken by another uid", "user", user.Name, "uid", user.ID)
		user.Name += containerUserSuffix
	}

	lines, _, err = m.exec(ctx, id, "sh", "-c", fmt.Sprintf("getent group %s | cut -d: -f1", user.GroupID))
	if err != nil {
		return user, err
	}

	user.GroupName = firstLine(lines)
	if user.GroupName == "" {
		user.GroupName = user.Name + "_" + user.GroupID
		if _, err := m.mustExec(ctx, id, addGroupCommand(alpine, user.GroupName, user.GroupID)...); err != nil {
			return user, err
		}
	}

	if _, err := m.mustExec(ctx, id, addUserCommand(alpine, user)...); err != nil {
		return user, err
	}

	ec.Logger().V(1).Info("created container user", "user", user.Name, "uid", user.ID, "group", user.GroupName, "alpine", alpine)
	return user, m.grantSudo(ctx, ec, info, user, alpine)
}

func addGroupCommand(alpine bool, name, gid string) []string {
	if alpine {
		return []string{"addgroup", "-g", gid, name}
	}

	return []string{"groupadd", "-g", gid, name}
}

func addUserCommand(alpine bool, user User) []string {
	if alpine {
		return []string{"adduser", "-D", "-G", user.GroupName, "-u", user.ID, user.Name}
	}

	return []string{"useradd", "-m", "-g", user.GroupID, "-u", user.ID, user.Name}
}

func addUserToGroupCommand(alpine bool, user, group string) []string {
	if alpine {
		return []string{"addgroup", user, group}
	}

	return []string{"usermod", "-a", "-G", group, user}
}

func (m *Manager) grantSudo(ctx context.Context, ec *execution.Context, info *Info, user User, alpine bool) error {
	id := info.ID()
	if _, code, err := m.exec(ctx, id, "sh", "-c", "test -d /etc/sudoers.d || test -f /etc/sudoers"); err != nil {
		return err
	} else if code != 0 {
		ec.Logger().V(1).Info("sudo is not installed in the job container", "container", info.Name())
	} else {
		if _, _, err := m.exec(ctx, id, "sh", "-c", fmt.Sprintf("getent group %s || %s", sudoGroupName, strings.Join(addGroupCommand(alpine, sudoGroupName, "990"), " "))); err != nil {
			return err
		}

		if _, err := m.mustExec(ctx, id, addUserToGroupCommand(alpine, user.Name, sudoGroupName)...); err != nil {
			return err
		}

		if _, err := m.mustExec(ctx, id, "sh", "-c", fmt.Sprintf("echo '%%%s ALL=(ALL:ALL) NOPASSWD:ALL' >> /etc/sudoers", sudoGroupName)); err != nil {
			return err
		}
	}

	if !info.Spec().MapDockerSocket || m.settings.DockerGroupName == "" {
		return nil
	}

	lines, err := m.mustExec(ctx, id, "stat", "-c", "%g", m.settings.DockerSocket)
	if err != nil {
		return err
	}

	gid := firstLine(lines)
	lines, _, err = m.exec(ctx, id, "sh", "-c", fmt.Sprintf("getent group %s | cut -d: -f1", gid))
	if err != nil {
		return err
	}

	group := firstLine(lines)
	if group == "" {
		group = m.settings.DockerGroupName
		if _, err := m.mustExec(ctx, id, addGroupCommand(alpine, group, gid)...); err != nil {
			return err
		}
	}

	_, err = m.mustExec(ctx, id, addUserToGroupCommand(alpine, user.Name, group)...)
	return err
}

// probeRuntime returns the in-container path of the script runtime. When the primary runtime
// cannot start because the container ships an older C library the fallback build is used.
func (m *Manager) probeRuntime(ctx context.Context, ec *execution.Context, info *Info) (string, error) {
	if m.settings.RuntimeDir == "" {
		return "", nil
	}

	primary := info.TranslateToContainerPath(path.Join(m.settings.RuntimeDir, m.settings.RuntimeBinary))
	lines, code, err := m.exec(ctx, info.ID(), primary, "--version")
	if err != nil {
		return "", err
	}

	if code == 0 {
		return primary, nil
	}

	if !strings.Contains(strings.Join(lines, "\n"), "GLIBC") || m.settings.RuntimeFallbackDir == "" {
		ec.Warning("script runtime %s failed to start in container %s with exit code %d", primary, info.Name(), code)
		return primary, nil
	}

	fallback := info.TranslateToContainerPath(path.Join(m.settings.RuntimeFallbackDir, m.settings.RuntimeBinary))
	ec.Warning("the container %s is not compatible with %s, using %s instead", info.Spec().Image, primary, fallback)
	return fallback, nil
}
