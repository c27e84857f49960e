// ABOUTME: Pure payload builders for the operations the dashboard dispatches
// ABOUTME: Each returns typed payloads; none touch the store or the network

package dispatch

import (
	"github.com/2389/dockhand/internal/store"
	"github.com/2389/dockhand/internal/tasks"
)

// PullImage builds an image pull.
func PullImage(image, platform string) tasks.ImagePull {
	return tasks.ImagePull{Image: image, Platform: platform}
}

// DockerCommand builds a generic docker CLI invocation.
func DockerCommand(command string, args ...string) tasks.DockerCommand {
	return tasks.DockerCommand{Command: command, Args: args}
}

// RunContainer builds a container run from a container spec.
func RunContainer(spec tasks.ContainerRun) tasks.ContainerRun {
	return spec
}

// ContainerAction builds a start, stop, restart, or remove of an existing container.
func ContainerAction(action store.TaskType, containerID string) tasks.ContainerAction {
	return tasks.ContainerAction{Action: action, ContainerID: containerID}
}

// RemoveContainer builds a forced container removal.
func RemoveContainer(containerID string, removeVolumes bool) tasks.ContainerAction {
	return tasks.ContainerAction{
		Action:        store.TaskContainerRemove,
		ContainerID:   containerID,
		Force:         true,
		RemoveVolumes: removeVolumes,
	}
}

// DeployStack builds the two steps of a stack deployment: write the project, then start it.
func DeployStack(stack StackDescriptor, pull bool) (tasks.ComposeProject, tasks.ComposeUp) {
	create := tasks.ComposeProject{
		Kind:           store.TaskComposeCreateProject,
		ProjectName:    stack.ProjectName,
		ComposeContent: stack.ComposeContent,
		EnvContent:     stack.EnvContent,
	}
	up := tasks.ComposeUp{ProjectName: stack.ProjectName, Pull: pull}
	return create, up
}

// TearDownStack builds a compose down.
func TearDownStack(projectName string, removeVolumes bool) tasks.ComposeDown {
	return tasks.ComposeDown{ProjectName: projectName, RemoveVolumes: removeVolumes}
}
