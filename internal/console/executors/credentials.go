package executors

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"vmops-console/internal/ansible"
	consoledb "vmops-console/internal/console/db"
)

// sshMaterialFor resolves the SSH user and key path for a host: host-level
// overrides first, then the host's linked credential, then the first shared
// credential. No credential at all is fatal for execution.
func sshMaterialFor(gormDB *gorm.DB, host *consoledb.Host) (user, keyPath string, err error) {
	var cred consoledb.DeploymentCredential
	if host.DeploymentCredentialID != nil {
		err = gormDB.First(&cred, *host.DeploymentCredentialID).Error
	} else {
		err = gormDB.Order("id").First(&cred).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", errors.New("no SSH credentials configured")
		}
		return "", "", fmt.Errorf("failed to load SSH credentials: %w", err)
	}

	user = cred.User
	if host.AnsibleUser != "" {
		user = host.AnsibleUser
	}
	keyPath = cred.SSHKeyFilePath
	if host.SSHPrivateKeyFile != "" {
		keyPath = host.SSHPrivateKeyFile
	}
	return user, keyPath, nil
}

// winrmMaterialFor resolves WinRM auth material: direct host fields take
// precedence over the linked WindowsCredential record.
func winrmMaterialFor(gormDB *gorm.DB, host *consoledb.Host) (ansible.WindowsHost, error) {
	if host.WindowsUser != "" && host.WindowsPassword != "" {
		return ansible.WindowsHost{
			IP:       host.IP,
			User:     host.WindowsUser,
			Password: host.WindowsPassword,
			AuthType: "ntlm",
			Port:     5985,
		}, nil
	}
	if host.WindowsCredentialID != nil {
		var cred consoledb.WindowsCredential
		if err := gormDB.First(&cred, *host.WindowsCredentialID).Error; err != nil {
			return ansible.WindowsHost{}, fmt.Errorf("failed to load Windows credentials for host %s: %w", host.Name, err)
		}
		return ansible.WindowsHost{
			IP:       host.IP,
			User:     cred.Username,
			Password: cred.Password,
			AuthType: cred.AuthType,
			Port:     cred.EffectivePort(),
		}, nil
	}
	return ansible.WindowsHost{}, fmt.Errorf("no Windows credentials configured for host %s", host.Name)
}
